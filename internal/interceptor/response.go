package interceptor

import (
	"encoding/json"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderStatus tells the edge UI why the interceptor answered itself.
const HeaderStatus = "X-Wake-Status"

const (
	StatusWaking  = "waking"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusUnknown = "unknown"
)

type reply struct {
	service    string
	status     string
	code       int
	message    string
	detail     string
	retryAfter time.Duration
}

type replyBody struct {
	Service    string `json:"service,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

var page = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{- if .Refresh}}
<meta http-equiv="refresh" content="{{.Refresh}}">
{{- end}}
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#111;color:#eee;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
main{text-align:center;max-width:32rem;padding:2rem}
p.detail{color:#999;font-size:.9rem;word-break:break-word}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{- if .Detail}}
<p class="detail">{{.Detail}}</p>
{{- end}}
{{- if .Refresh}}
<p class="detail">This page reloads in {{.Refresh}}s.</p>
{{- end}}
</main>
</body>
</html>
`))

type pageData struct {
	Title   string
	Message string
	Detail  string
	Refresh int
}

func (i *Interceptor) respond(w http.ResponseWriter, r *http.Request, rep reply) {
	retry := 0
	if rep.retryAfter > 0 {
		retry = int(math.Ceil(rep.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	w.Header().Set(HeaderStatus, rep.status)
	w.Header().Set("Cache-Control", "no-store")

	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(rep.code)
		data := pageData{Title: title(rep), Message: rep.message, Detail: rep.detail}
		if rep.status == StatusWaking {
			data.Refresh = max(retry, 1)
		}
		_ = page.Execute(w, data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.code)
	_ = json.NewEncoder(w).Encode(replyBody{
		Service:    rep.service,
		Status:     rep.status,
		Message:    rep.message,
		Detail:     rep.detail,
		RetryAfter: retry,
	})
}

func title(rep reply) string {
	name := rep.service
	if name == "" {
		name = "Service"
	}
	switch rep.status {
	case StatusWaking:
		return name + " is waking up"
	case StatusTimeout:
		return name + " took too long to start"
	case StatusFailed:
		return name + " is unavailable"
	default:
		return "Not found"
	}
}

// wantsHTML reports whether the client is a browser.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
