package audit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/clubhouse/pkg/httputil"
	"github.com/platinummonkey/clubhouse/pkg/observability"
)

// Handlers serves the audit trail over HTTP
type Handlers struct {
	store Searcher
}

// NewHandlers creates audit handlers over store
func NewHandlers(store Searcher) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers GET /audit/events
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.ListEvents).Methods(http.MethodGet)
}

type listEventsResponse struct {
	Events []*Event `json:"events"`
	Count  int      `json:"count"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// ListEvents handles GET /audit/events?type=&due_id=&member_id=&actor=&since=&until=&limit=&offset=
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, field, err := parseFilter(r)
	if err != nil {
		httputil.WriteFieldError(w, http.StatusBadRequest, field, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to search audit events")
		httputil.WriteInternalError(w)
		return
	}
	if events == nil {
		events = []*Event{}
	}

	httputil.WriteSuccess(w, listEventsResponse{
		Events: events,
		Count:  len(events),
		Limit:  filter.limit(),
		Offset: filter.Offset,
	})
}

// parseFilter returns the offending query parameter alongside any error
func parseFilter(r *http.Request) (Filter, string, error) {
	var filter Filter
	q := r.URL.Query()

	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(t))
			}
		}
	}

	for _, p := range []struct {
		key string
		dst **int64
	}{{"due_id", &filter.DueID}, {"member_id", &filter.MemberID}} {
		if v := q.Get(p.key); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return filter, p.key, errInvalid(p.key, "a positive integer")
			}
			*p.dst = &id
		}
	}

	filter.Actor = q.Get("actor")

	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		if v := q.Get(p.key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, p.key, errInvalid(p.key, "an RFC3339 timestamp")
			}
			*p.dst = &ts
		}
	}

	var err error
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultSearchLimit); err != nil || filter.Limit < 1 {
		return filter, "limit", errInvalid("limit", "a positive integer")
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil || filter.Offset < 0 {
		return filter, "offset", errInvalid("offset", "a non-negative integer")
	}

	return filter, "", nil
}

type invalidParamError struct {
	key  string
	want string
}

func (e invalidParamError) Error() string {
	return e.key + " must be " + e.want
}

func errInvalid(key, want string) error {
	return invalidParamError{key: key, want: want}
}
