package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/pkg/idempotency"
)

const HeaderRequestID = "X-Request-ID"

// Observer records one finished request.
type Observer interface {
	ObserveHTTP(route string, code int, d time.Duration)
}

type Option func(*Handler)

// WithIdempotency guards the mutating routes with the Idempotency-Key
// middleware.
func WithIdempotency(c idempotency.Claimer) Option {
	return func(h *Handler) { h.idem = c }
}

func WithObserver(o Observer) Option {
	return func(h *Handler) { h.obs = o }
}

type Handler struct {
	log     *slog.Logger
	service *application.Service
	tracer  trace.Tracer
	idem    idempotency.Claimer
	obs     Observer
}

func NewHandler(log *slog.Logger, service *application.Service, opts ...Option) *Handler {
	h := &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestID)
	r.Use(h.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/buyers/{id}/orders", h.listOrders)
	r.Post("/cart/preview", h.previewLine)

	r.Group(func(r chi.Router) {
		if h.idem != nil {
			r.Use(idempotency.Middleware(h.log, h.idem))
		}
		r.Post("/orders", h.placeOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Post("/orders/{id}/deliver", h.deliverOrder)
	})
	return r
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}

	id, err := h.service.PlaceOrder(r.Context(), req.BuyerID, req.cart())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders/"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusCreated, toOrderResp(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := pathID(w, r)
	if !ok {
		return
	}
	var status domain.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := domain.ParseOrderStatus(s)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		status = parsed
	}

	orders, err := h.service.ListOrders(r.Context(), buyerID, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]orderResp, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CancelOrder)
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkDelivered)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(order))
}

func (h *Handler) previewLine(w http.ResponseWriter, r *http.Request) {
	var req cartLineReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	line, err := h.service.PreviewLine(r.Context(), req.ProductID, req.OptionIDs, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts := line.Options
	if opts == nil {
		opts = []domain.OptionSnapshot{}
	}
	writeJSON(w, http.StatusOK, previewResp{
		ProductID:   line.ProductID,
		ProductName: line.ProductName,
		UnitPrice:   line.UnitPrice,
		Quantity:    line.Quantity,
		LineTotal:   line.LineTotal,
		Options:     opts,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

// requestID tags the request with a correlation id, reusing the caller's
// X-Request-ID when present.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// observe opens a server span continuing any incoming trace context and
// reports the matched route once the handler returns.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", ww.Status()),
			attribute.String("request.id", w.Header().Get(HeaderRequestID)),
		)
		if h.obs != nil {
			h.obs.ObserveHTTP(route, ww.Status(), time.Since(start))
		}
	})
}
