package audit

import (
	"net/http"
	"strings"
)

// ActorHeader names the caller on admin requests
const ActorHeader = "X-Actor"

const maxActorLength = 255

// ActorMiddleware copies the X-Actor header into the request context.
// Requests without it are attributed to "anonymous".
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = "anonymous"
		}
		if len(actor) > maxActorLength {
			actor = actor[:maxActorLength]
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
