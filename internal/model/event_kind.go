package model

// EventKind is the value carried in the envelope's event_type field.
type EventKind string

const (
	KindSubmitted       EventKind = "incidente_pendiente"
	KindValidated       EventKind = "incidente_validado"
	KindRejected        EventKind = "incidente_rechazado"
	KindStatusUpdated   EventKind = "estado_actualizado"
	KindAttachmentAdded EventKind = "attachment_added"
)

// Routing keys on the incidents topic exchange. The version suffix is bumped
// for breaking payload changes so existing bindings keep working.
const (
	RoutingKeySubmitted       = "incidents.submitted.v1"
	RoutingKeyValidated       = "incidents.validated.v1"
	RoutingKeyRejected        = "incidents.rejected.v1"
	RoutingKeyStatusUpdated   = "incidents.status_updated.v1"
	RoutingKeyAttachmentAdded = "incidents.attachment_added.v1"
)

// Event types written to the incident event log when an inbound event is applied.
const (
	LogIncidentCreated   = "incidente_creado"
	LogIncidentValidated = "incidente_validado"
	LogIncidentRejected  = "incidente_rechazado"
	LogStatusUpdated     = "estado_actualizado"
	LogAttachmentAdded   = "attachment_added"
)

// Incident statuses set by the projection handlers.
const (
	StatusPending  = "incidente_pendiente"
	StatusValid    = "incidente_valido"
	StatusRejected = "incidente_rechazado"
)

// AggregateTypeIncident is the outbox aggregate_type for incident events.
const AggregateTypeIncident = "incident"

var routingKeys = map[EventKind]string{
	KindSubmitted:       RoutingKeySubmitted,
	KindValidated:       RoutingKeyValidated,
	KindRejected:        RoutingKeyRejected,
	KindStatusUpdated:   RoutingKeyStatusUpdated,
	KindAttachmentAdded: RoutingKeyAttachmentAdded,
}

// AllKinds lists every kind produced on the incidents exchange, in a stable order.
func AllKinds() []EventKind {
	return []EventKind{KindSubmitted, KindValidated, KindRejected, KindStatusUpdated, KindAttachmentAdded}
}

func (k EventKind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	_, ok := routingKeys[k]
	return ok
}

// RoutingKey returns the routing key the kind is published under, or "" for unknown kinds.
func (k EventKind) RoutingKey() string {
	return routingKeys[k]
}
