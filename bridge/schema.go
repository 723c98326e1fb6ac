package bridge

import (
	"net/http"
	"sync"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/invopop/jsonschema"
)

// SchemaDocument is the body of GET {prefix}/schema: one JSON Schema per
// wire type.
type SchemaDocument struct {
	State              *jsonschema.Schema `json:"state"`
	RuntimeStatus      *jsonschema.Schema `json:"runtimeStatus"`
	RuntimeStatusEvent *jsonschema.Schema `json:"runtimeStatusEvent"`
	RuntimeErrorEvent  *jsonschema.Schema `json:"runtimeErrorEvent"`
	ErrorResponse      *jsonschema.Schema `json:"errorResponse"`
}

func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}

// Schemas reflects the wire contract. The result is computed once.
var Schemas = sync.OnceValue(func() SchemaDocument {
	return SchemaDocument{
		State:              reflectSchema[State](),
		RuntimeStatus:      reflectSchema[supervisor.Status](),
		RuntimeStatusEvent: reflectSchema[events.RuntimeStatusEvent](),
		RuntimeErrorEvent:  reflectSchema[events.RuntimeErrorEvent](),
		ErrorResponse:      reflectSchema[ErrorResponse](),
	}
})

func (b *Bridge) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Schemas())
}
