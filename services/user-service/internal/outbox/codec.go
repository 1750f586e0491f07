package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
)

// Encode maps an envelope to its outbox type and JSON payload. Known kinds
// serialize their payload struct; any other kind serializes the whole
// envelope under the kind name so nothing is lost.
func Encode(env events.Envelope) (string, []byte, error) {
	typ := string(env.Kind)
	if typ == "" {
		return "", nil, fmt.Errorf("encode event for %s: empty kind", env.AggregateID)
	}

	var v any = env.Payload
	if !env.Kind.Known() || env.Payload == nil {
		v = map[string]events.Envelope{typ: env}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return typ, body, nil
}
