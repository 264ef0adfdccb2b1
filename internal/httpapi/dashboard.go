package httpapi

import (
	_ "embed"
	"net/http"
)

//go:embed static/index.html
var dashboardHTML []byte

func dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardHTML)
}
