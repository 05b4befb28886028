package runtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
)

const checkTimeout = 2 * time.Second

// ReadyCheck is a named dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// Report is the /readyz body. Checks maps each dependency to "ok" or its error.
type Report struct {
	Service string            `json:"service"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewBaseMux returns a mux serving /healthz and /readyz for service. Checks run
// concurrently, each bounded by its own timeout; any failure answers 503.
func NewBaseMux(service string, checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, Report{Service: service, Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		report := probe(r.Context(), service, checks)
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		httpx.WriteJSON(w, status, report)
	})
	return mux
}

func probe(ctx context.Context, service string, checks []ReadyCheck) Report {
	report := Report{Service: service, Status: "ok"}
	if len(checks) == 0 {
		return report
	}
	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		if c.Check == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
		}()
	}
	wg.Wait()

	report.Checks = make(map[string]string, len(checks))
	for i, c := range checks {
		name := c.Name
		if name == "" {
			name = "dependency"
		}
		if err := results[i]; err != nil {
			report.Status = "unavailable"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}
