package serialmux

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/console.html.tmpl"))

// AttachAdminRoutes registers a serial console under /debug/ on mux: a page
// to send commands, a POST endpoint for them, and a server-sent event tail
// of the port traffic. tsweb limits /debug/ to loopback and tailnet peers.
//
// When busy is non-nil it is consulted before every send; a non-nil error
// refuses the command with 409 Conflict and leaves the port untouched.
func AttachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface, busy func() error) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "serial console for the motion controller", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := map[string]string{
			"Title":    "Motion controller console",
			"SendPath": "/debug/serial-send",
			"TailPath": "/debug/serial-tail",
		}
		if err := consoleTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("serial-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if busy != nil {
			if err := busy(); err != nil {
				http.Error(w, fmt.Sprintf("Serial port in use: %v", err), http.StatusConflict)
				return
			}
		}
		if r.FormValue("query") != "" {
			reply, err := s.Query(r.Context(), command)
			if err != nil {
				http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusBadGateway)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
