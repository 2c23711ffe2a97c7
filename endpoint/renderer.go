package endpoint

import "net/http"

// StringRenderer writes Body with an optional status and content type.
// ContentType defaults to "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// Render implements Renderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if w.Header().Get("Content-Type") == "" {
		ct := sr.ContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
	}
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes Status (default 204) and no body.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client to URL.
//
// If Status is 0, it defaults to http.StatusFound (302).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}

// HandlerRenderer delegates rendering to an http.Handler, such as the
// Prometheus scrape handler.
type HandlerRenderer struct {
	Handler http.Handler
}

func (hr *HandlerRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	hr.Handler.ServeHTTP(w, r)
	return nil
}
