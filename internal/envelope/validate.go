package envelope

import "uaip-hub/internal/apierr"

// Validate checks the failure modes spec.md §4.1 names: missing required
// fields, a zero TTL, and unknown enum variants. It never mutates e.
func Validate(e *Envelope) error {
	if e.Header.Version == "" {
		return apierr.New(apierr.InvalidMessage, "header.version is required")
	}
	if e.Header.MessageID == "" {
		return apierr.New(apierr.InvalidMessage, "header.message_id is required")
	}
	if e.Header.TTLMs == 0 {
		return apierr.New(apierr.InvalidMessage, "header.ttl must be > 0")
	}
	if e.Header.Timestamp.IsZero() {
		return apierr.New(apierr.InvalidMessage, "header.timestamp is required")
	}
	if _, ok := priorityNames[e.Header.Priority]; !ok {
		return apierr.New(apierr.InvalidMessage, "header.priority is not a known variant")
	}
	if e.Header.Sender.ID == "" || !e.Header.Sender.Type.Valid() {
		return apierr.New(apierr.InvalidMessage, "header.sender is invalid")
	}
	if e.Header.Recipient.ID == "" || !e.Header.Recipient.Type.Valid() {
		return apierr.New(apierr.InvalidMessage, "header.recipient is invalid")
	}
	if e.Header.Routing != nil && e.Header.Routing.HopCount > e.Header.Routing.MaxHops {
		return apierr.New(apierr.InvalidMessage, "header.routing.hop_count exceeds max_hops")
	}
	if !e.Security.Authentication.Method.Valid() {
		return apierr.New(apierr.InvalidMessage, "security.authentication.method is not a known variant")
	}
	if !e.Payload.Action.Valid() {
		return apierr.New(apierr.InvalidMessage, "payload.action is not a known variant")
	}
	if e.Payload.DeviceType != nil && !e.Payload.DeviceType.Valid() {
		return apierr.New(apierr.InvalidMessage, "payload.device_type is not a known variant")
	}
	if e.Payload.Data != nil {
		d := e.Payload.Data
		if !d.Format.Valid() {
			return apierr.New(apierr.InvalidMessage, "payload.data.format is not a known variant")
		}
		if !d.Encoding.Valid() {
			return apierr.New(apierr.InvalidMessage, "payload.data.encoding is not a known variant")
		}
		if !d.Compression.Valid() {
			return apierr.New(apierr.InvalidMessage, "payload.data.compression is not a known variant")
		}
	}
	if _, ok := qosNames[e.Metadata.QoS]; !ok {
		return apierr.New(apierr.InvalidMessage, "metadata.qos is not a known variant")
	}
	if e.Metadata.RetryPolicy != nil && !e.Metadata.RetryPolicy.Backoff.Valid() {
		return apierr.New(apierr.InvalidMessage, "metadata.retry_policy.backoff is not a known variant")
	}
	return nil
}

// IncrementHop returns a copy of the envelope with its routing hop_count
// incremented, failing if that would exceed max_hops. Envelopes are
// otherwise immutable, so forwarding always goes through this helper rather
// than mutating header.routing in place.
func IncrementHop(e Envelope) (Envelope, error) {
	if e.Header.Routing == nil {
		return e, nil
	}
	r := *e.Header.Routing
	r.HopCount++
	if r.HopCount > r.MaxHops {
		return Envelope{}, apierr.Newf(apierr.InvalidMessage, "hop_count %d exceeds max_hops %d", r.HopCount, r.MaxHops)
	}
	e.Header.Routing = &r
	return e, nil
}
