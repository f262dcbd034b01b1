package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"example.com/labeler/internal/config"
	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/issuance"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/query"
	"example.com/labeler/internal/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

const (
	queryLabelsPath     = "/xrpc/com.atproto.label.queryLabels"
	subscribeLabelsPath = "/xrpc/com.atproto.label.subscribeLabels"
)

// Readier is the store read performed by the health probe.
type Readier interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg      config.Config
	Store    Readier
	Issuer   *issuance.Issuer
	Query    *query.Service
	Subs     *subscription.Service
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d *ServerDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

func (d *ServerDeps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ready(r.Context()); err != nil {
		d.logger().Warn("health check failed", "error", err)
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "label store not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// --- Query ---

func (d *ServerDeps) HandleQueryLabels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := d.Query.Query(r.Context(), query.Params{
		URIPatterns: q["uriPatterns"],
		Sources:     q["sources"],
		Cursor:      q.Get("cursor"),
		Limit:       q.Get("limit"),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrBadRequest) {
			d.logger().Error("query failed", "error", err)
		}
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lexicon.QueryResponse{
		Cursor: strconv.FormatInt(res.Cursor, 10),
		Labels: lexicon.FromLabels(res.Labels),
	})
}

// --- Admin: create ---

type createdLabel struct {
	Seq   int64         `json:"seq"`
	Label lexicon.Label `json:"label"`
}

func created(ls []domain.Label) []createdLabel {
	out := make([]createdLabel, 0, len(ls))
	for _, l := range ls {
		out = append(out, createdLabel{Seq: l.Seq, Label: lexicon.FromLabel(l)})
	}
	return out
}

// stampCts fills in a missing creation time.
func (d *ServerDeps) stampCts(u *domain.UnsignedLabel) {
	if u.Cts == "" {
		u.Cts = d.now().UTC().Format(time.RFC3339Nano)
	}
}

func (d *ServerDeps) HandleCreateLabel(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var u domain.UnsignedLabel
	if err := decodeJSONStrict(r, &u); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	d.stampCts(&u)

	l, err := d.Issuer.Create(r.Context(), u)
	if err != nil {
		if !errors.Is(err, domain.ErrBadRequest) {
			d.logger().Error("create label failed", "error", err)
		}
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created([]domain.Label{l})[0])
}

type bulkReq struct {
	Labels []domain.UnsignedLabel `json:"labels"`
}

type bulkResp struct {
	Labels []createdLabel `json:"labels"`
}

func (d *ServerDeps) HandleCreateLabelsBulk(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var br bulkReq
	if err := decodeJSONStrict(r, &br); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	for i := range br.Labels {
		d.stampCts(&br.Labels[i])
	}

	ls, err := d.Issuer.CreateBatch(r.Context(), br.Labels)
	if err != nil {
		p := problemFor(err)
		var berr *issuance.BatchError
		if errors.As(err, &berr) {
			d.logger().Error("bulk create stopped", "index", berr.Index, "committed", berr.Committed, "error", berr.Err)
			p.Meta = map[string]any{
				"failedIndex": berr.Index,
				"committed":   created(ls),
			}
		}
		writeProblem(w, p)
		return
	}
	writeJSON(w, http.StatusCreated, bulkResp{Labels: created(ls)})
}

// --- Fallbacks ---

func (d *ServerDeps) HandleNotImplemented(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, http.StatusNotImplemented, "Method Not Implemented", r.URL.Path+" is not served here", nil)
}

func (d *ServerDeps) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, http.StatusNotFound, "not found", "no route for "+r.URL.Path, nil)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.HandleHealth)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	var queryLabels http.Handler = http.HandlerFunc(d.HandleQueryLabels)
	queryLabels = RateLimitPerMinute(d.Cfg.QueryRateLimitPerMin, d.now)(queryLabels)
	mux.Handle("GET "+queryLabelsPath, queryLabels)
	mux.HandleFunc("GET "+subscribeLabelsPath, d.HandleSubscribeLabels)
	mux.HandleFunc("/xrpc/", d.HandleNotImplemented)

	if keys := d.Cfg.APIKeySet(); len(keys) > 0 {
		var postLabel http.Handler = http.HandlerFunc(d.HandleCreateLabel)
		postLabel = BodyLimit(d.Cfg.MaxBodyBytes)(postLabel)
		postLabel = RequireJSON(postLabel)
		postLabel = APIKeyAuth(keys)(postLabel)
		mux.Handle("POST /admin/labels", postLabel)

		var postBulk http.Handler = http.HandlerFunc(d.HandleCreateLabelsBulk)
		postBulk = BodyLimit(d.Cfg.MaxBodyBytes)(postBulk)
		postBulk = RequireJSON(postBulk)
		postBulk = APIKeyAuth(keys)(postBulk)
		mux.Handle("POST /admin/labels/bulk", postBulk)
	}

	mux.HandleFunc("/", d.HandleNotFound)
	return LogRequests(d.logger())(mux)
}
