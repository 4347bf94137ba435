// Package envelope defines the immutable message value the routing
// substrate moves: header, security descriptor, payload, and metadata, with
// a canonical JSON wire encoding.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

const ProtocolVersion = "1.0"

// Entity identifies a sender or recipient.
type Entity struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
}

// Routing carries multi-hop forwarding state.
type Routing struct {
	HopCount uint32   `json:"hop_count"`
	MaxHops  uint32   `json:"max_hops"`
	Path     []string `json:"path"`
}

// Header identifies and routes the envelope.
type Header struct {
	Version       string    `json:"version"`
	MessageID     string    `json:"message_id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TTLMs         uint64    `json:"ttl"`
	Priority      Priority  `json:"priority"`
	Sender        Entity    `json:"sender"`
	Recipient     Entity    `json:"recipient"`
	Routing       *Routing  `json:"routing,omitempty"`
}

// Authentication carries an opaque credential the core never verifies.
type Authentication struct {
	Method AuthMethod `json:"method"`
	Token  string     `json:"token"`
}

// Encryption is an opaque descriptor; the core neither performs nor
// verifies the cryptography it describes.
type Encryption struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
}

// Signature is an opaque descriptor, same treatment as Encryption.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Security bundles the envelope's authentication/encryption/signature
// descriptors. The core treats all three as opaque blobs.
type Security struct {
	Authentication Authentication `json:"authentication"`
	Encryption     *Encryption    `json:"encryption,omitempty"`
	Signature      *Signature     `json:"signature,omitempty"`
}

// Data is the payload's content body.
type Data struct {
	Format      DataFormat      `json:"format"`
	Encoding    DataEncoding    `json:"encoding"`
	Compression CompressionType `json:"compression"`
	Content     any             `json:"content"`
}

// Payload is what the sender asks the recipient to do.
type Payload struct {
	Action     Action          `json:"action"`
	DeviceType *DeviceType     `json:"device_type,omitempty"`
	Capability *string         `json:"capability,omitempty"`
	Data       *Data           `json:"data,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

// RetryPolicy controls QoS retry behavior for this envelope.
type RetryPolicy struct {
	Enabled    bool            `json:"enabled"`
	MaxRetries uint32          `json:"max_retries"`
	Backoff    BackoffStrategy `json:"backoff"`
}

// Metadata carries delivery-guarantee and acknowledgment parameters.
type Metadata struct {
	RequiresAck  bool            `json:"requires_ack"`
	AckTimeoutMs *uint64         `json:"ack_timeout,omitempty"`
	RetryPolicy  *RetryPolicy    `json:"retry_policy,omitempty"`
	QoS          QoSLevel        `json:"qos"`
	ContentType  *string         `json:"content_type,omitempty"`
	UserData     map[string]any  `json:"user_data,omitempty"`
}

// Envelope is the complete, immutable message value. Callers must not
// mutate a field after construction; the router and QoS engine assume
// header.priority and metadata.qos never change for a given message_id.
type Envelope struct {
	Header   Header   `json:"header"`
	Security Security `json:"security"`
	Payload  Payload  `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Deadline returns the instant after which the envelope is expired.
func (e *Envelope) Deadline() time.Time {
	return e.Header.Timestamp.Add(time.Duration(e.Header.TTLMs) * time.Millisecond)
}

// Expired reports whether the envelope's TTL has elapsed as of now.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.Deadline())
}

// MaxRetries returns the envelope's configured retry ceiling, defaulting to
// 3 (the original prototype's hardcoded max_attempts) when no retry policy
// was set.
func (e *Envelope) MaxRetries() uint32 {
	if e.Metadata.RetryPolicy != nil {
		return e.Metadata.RetryPolicy.MaxRetries
	}
	return DefaultMaxRetries
}

// Backoff returns the envelope's backoff strategy, defaulting to Linear.
func (e *Envelope) Backoff() BackoffStrategy {
	if e.Metadata.RetryPolicy != nil {
		return e.Metadata.RetryPolicy.Backoff
	}
	return BackoffLinear
}

const (
	DefaultMaxRetries       = 3
	DefaultAckTimeout       = 30 * time.Second
	DefaultBackoffBase      = 1 * time.Second
	DefaultBackoffCap       = 60 * time.Second
)

// Builder constructs an Envelope field by field, mirroring the original
// prototype's with_* chain, then validates on Build.
type Builder struct {
	e Envelope
}

// New starts a builder with required fields populated: a fresh collision-
// resistant message_id, the current UTC timestamp, protocol version 1.0,
// Normal priority, and AtMostOnce QoS.
func New(sender, recipient Entity, action Action) *Builder {
	b := &Builder{}
	b.e.Header = Header{
		Version:   ProtocolVersion,
		MessageID: NewMessageID(),
		Timestamp: time.Now().UTC(),
		TTLMs:     uint64(DefaultAckTimeout / time.Millisecond),
		Priority:  Normal,
		Sender:    sender,
		Recipient: recipient,
	}
	b.e.Security = Security{Authentication: Authentication{Method: AuthJWT}}
	b.e.Payload = Payload{Action: action}
	b.e.Metadata = Metadata{QoS: AtMostOnce}
	return b
}

// NewMessageID generates a collision-resistant message identifier.
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

func (b *Builder) WithTTL(ttlMs uint64) *Builder {
	b.e.Header.TTLMs = ttlMs
	return b
}

func (b *Builder) WithPriority(p Priority) *Builder {
	b.e.Header.Priority = p
	return b
}

func (b *Builder) WithCorrelationID(id string) *Builder {
	b.e.Header.CorrelationID = &id
	return b
}

func (b *Builder) WithRouting(r Routing) *Builder {
	b.e.Header.Routing = &r
	return b
}

func (b *Builder) WithToken(method AuthMethod, token string) *Builder {
	b.e.Security.Authentication = Authentication{Method: method, Token: token}
	return b
}

func (b *Builder) WithQoS(q QoSLevel) *Builder {
	b.e.Metadata.QoS = q
	return b
}

func (b *Builder) WithRetryPolicy(policy RetryPolicy) *Builder {
	b.e.Metadata.RetryPolicy = &policy
	return b
}

func (b *Builder) WithData(d Data) *Builder {
	b.e.Payload.Data = &d
	return b
}

func (b *Builder) WithRequiresAck(requires bool) *Builder {
	b.e.Metadata.RequiresAck = requires
	return b
}

// Build finalizes the envelope, applying the QoS 2 implicit-ack invariant
// and validating required fields.
func (b *Builder) Build() (Envelope, error) {
	e := b.e
	if e.Metadata.QoS == ExactlyOnce {
		e.Metadata.RequiresAck = true
	}
	if err := Validate(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
