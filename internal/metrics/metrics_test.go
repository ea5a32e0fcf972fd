package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{0, "5xx"},
	}

	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func serve(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandlerExposesPaylinkSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	// Vectors only show up once a label set has been observed.
	ReconcileTotal.WithLabelValues("CONSISTENT").Inc()
	ActiveWebSocketClients.Set(0)

	w := serve(r, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, series := range []string{"paylink_active_websocket_clients", "paylink_reconcile_total"} {
		if !strings.Contains(w.Body.String(), series) {
			t.Errorf("scrape is missing %s", series)
		}
	}
}

func TestTransitionsTotal_Labels(t *testing.T) {
	c := TransitionsTotal.WithLabelValues("fund", "validation")
	before := counterValue(t, c)
	c.Inc()
	if got := counterValue(t, c); got != before+1 {
		t.Errorf("Expected counter %v, got %v", before+1, got)
	}
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/invoices/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		path, route, class string
	}{
		{"/invoices/inv_1", "/invoices/:id", "2xx"},
		{"/nope", "unmatched", "4xx"},
	}
	for _, tc := range cases {
		counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, tc.route, tc.class)
		before := counterValue(t, counter)
		serve(r, tc.path)
		if got := counterValue(t, counter); got != before+1 {
			t.Errorf("%s: counter %s/%s = %v, want %v", tc.path, tc.route, tc.class, got, before+1)
		}
	}
}

func TestRegisterDB_Idempotent(t *testing.T) {
	// sql.Open does not dial, so no server is needed.
	db, err := sql.Open("postgres", "postgres://localhost/none?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RegisterDB(db); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterDB(db); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

type writer interface {
	Write(*dto.Metric) error
}

func counterValue(t *testing.T, c writer) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
