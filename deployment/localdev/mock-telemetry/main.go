package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type alarm struct {
	Name          string    `json:"name"`
	Namespace     string    `json:"namespace"`
	ResourceID    string    `json:"resource_id"`
	MetricName    string    `json:"metric_name"`
	State         string    `json:"state"`
	Threshold     *float64  `json:"threshold"`
	ObservedValue *float64  `json:"observed_value"`
	Description   string    `json:"description"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type metricStat struct {
	Namespace  string    `json:"namespace"`
	MetricName string    `json:"metric_name"`
	ResourceID string    `json:"resource_id"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

type logLine struct {
	Group     string    `json:"group"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type insightRow struct {
	ResourceID string            `json:"resource_id"`
	Value      float64           `json:"value"`
	Fields     map[string]string `json:"fields"`
	Timestamp  time.Time         `json:"timestamp"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/telemetry/alarms", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"alarms": []alarm{
				{
					Name:          "cpu-high-web-1",
					Namespace:     "compute",
					ResourceID:    "i-0web1",
					MetricName:    "CPUUtilization",
					State:         "ALARM",
					Threshold:     f64(80),
					ObservedValue: f64(94.3),
					Description:   "CPU above threshold for 5 minutes",
					UpdatedAt:     time.Now().Add(-2 * time.Minute),
				},
				{
					Name:          "disk-full-db-1",
					Namespace:     "storage",
					ResourceID:    "vol-0db1",
					MetricName:    "DiskSpaceUtilization",
					State:         "OK",
					Threshold:     f64(90),
					ObservedValue: f64(68.0),
					Description:   "Disk usage back under threshold",
					UpdatedAt:     time.Now().Add(-9 * time.Minute),
				},
			},
		})
	})

	mux.HandleFunc("/api/v1/telemetry/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Namespace string `json:"namespace"`
			Metric    string `json:"metric"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		stats := make([]metricStat, 0, 5)
		for i := 0; i < 5; i++ {
			stats = append(stats, metricStat{
				Namespace:  req.Namespace,
				MetricName: req.Metric,
				ResourceID: "i-0web1",
				Value:      62.0 + float64(i)*6,
				Timestamp:  time.Now().Add(-time.Duration(5-i) * time.Minute),
			})
		}
		writeJSON(w, map[string]any{"stats": stats})
	})

	mux.HandleFunc("/api/v1/telemetry/logs", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Group string `json:"group"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Group == "" {
			req.Group = "app"
		}

		writeJSON(w, map[string]any{
			"lines": []logLine{
				{Group: req.Group, Stream: "web", Message: "request handled in 130ms", Timestamp: time.Now().Add(-5 * time.Minute)},
				{Group: req.Group, Stream: "web", Message: "ERROR: upstream connection refused", Timestamp: time.Now().Add(-4 * time.Minute)},
				{Group: req.Group, Stream: "web", Message: "ERROR: upstream connection refused", Timestamp: time.Now().Add(-3 * time.Minute)},
				{Group: req.Group, Stream: "web", Message: "ERROR: upstream connection refused", Timestamp: time.Now().Add(-2 * time.Minute)},
				{Group: req.Group, Stream: "web", Message: "request handled in 88ms", Timestamp: time.Now().Add(-time.Minute)},
			},
		})
	})

	mux.HandleFunc("/api/v1/telemetry/insights", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		writeJSON(w, map[string]any{
			"rows": []insightRow{
				{
					ResourceID: "i-0web1",
					Value:      57,
					Fields:     map[string]string{"query": req.Query},
					Timestamp:  time.Now().Add(-time.Minute),
				},
			},
		})
	})

	logger := log.New(log.Writer(), "telemetry-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func f64(v float64) *float64 { return &v }
