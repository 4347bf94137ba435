package envelope

import (
	"encoding/json"
	"fmt"
)

// Priority orders delivery: Critical > High > Normal > Low. Declaration
// order doubles as the comparison order, matching the ordering the original
// prototype derived from its own enum declaration.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

var priorityNames = map[Priority]string{
	Low:      "low",
	Normal:   "normal",
	High:     "high",
	Critical: "critical",
}

var priorityValues = map[string]Priority{
	"low":      Low,
	"normal":   Normal,
	"high":     High,
	"critical": Critical,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("envelope: invalid priority %d", p)
	}
	return json.Marshal(name)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := priorityValues[s]
	if !ok {
		return fmt.Errorf("envelope: unknown priority %q", s)
	}
	*p = v
	return nil
}

// EntityType classifies a sender or recipient.
type EntityType string

const (
	EntityDevice    EntityType = "device"
	EntityAiAgent   EntityType = "ai_agent"
	EntityUser      EntityType = "user"
	EntitySystem    EntityType = "system"
	EntityBroadcast EntityType = "broadcast"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityDevice, EntityAiAgent, EntityUser, EntitySystem, EntityBroadcast:
		return true
	}
	return false
}

// Action is the operation the payload requests.
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionStream    Action = "stream"
	ActionExecute   Action = "execute"
	ActionSubscribe Action = "subscribe"
	ActionNotify    Action = "notify"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionStream, ActionExecute, ActionSubscribe, ActionNotify:
		return true
	}
	return false
}

// DeviceType is an optional hint about the device kind.
type DeviceType string

const (
	DeviceSensor   DeviceType = "sensor"
	DeviceActuator DeviceType = "actuator"
	DeviceCamera   DeviceType = "camera"
	DeviceAudio    DeviceType = "audio"
	DeviceHybrid   DeviceType = "hybrid"
)

func (d DeviceType) Valid() bool {
	switch d {
	case DeviceSensor, DeviceActuator, DeviceCamera, DeviceAudio, DeviceHybrid:
		return true
	}
	return false
}

// DataFormat describes the shape of Data.Content.
type DataFormat string

const (
	FormatJSON   DataFormat = "json"
	FormatBinary DataFormat = "binary"
	FormatStream DataFormat = "stream"
)

func (f DataFormat) Valid() bool {
	switch f {
	case FormatJSON, FormatBinary, FormatStream:
		return true
	}
	return false
}

// DataEncoding describes how Data.Content bytes are encoded.
type DataEncoding string

const (
	EncodingUTF8   DataEncoding = "utf8"
	EncodingBase64 DataEncoding = "base64"
)

func (e DataEncoding) Valid() bool {
	switch e {
	case EncodingUTF8, EncodingBase64:
		return true
	}
	return false
}

// CompressionType describes compression applied to Data.Content.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

func (c CompressionType) Valid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	}
	return false
}

// AuthMethod names the authentication scheme carried in Security.
type AuthMethod string

const (
	AuthJWT         AuthMethod = "jwt"
	AuthCertificate AuthMethod = "certificate"
	AuthAPIKey      AuthMethod = "api_key"
)

func (m AuthMethod) Valid() bool {
	switch m {
	case AuthJWT, AuthCertificate, AuthAPIKey:
		return true
	}
	return false
}

// BackoffStrategy selects the retry delay curve.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

func (b BackoffStrategy) Valid() bool {
	switch b {
	case BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// QoSLevel is the delivery guarantee requested for a message.
type QoSLevel int

const (
	AtMostOnce QoSLevel = iota
	AtLeastOnce
	ExactlyOnce
)

var qosNames = map[QoSLevel]string{
	AtMostOnce:  "at_most_once",
	AtLeastOnce: "at_least_once",
	ExactlyOnce: "exactly_once",
}

var qosValues = map[string]QoSLevel{
	"at_most_once":  AtMostOnce,
	"at_least_once": AtLeastOnce,
	"exactly_once":  ExactlyOnce,
}

func (q QoSLevel) String() string {
	if name, ok := qosNames[q]; ok {
		return name
	}
	return "unknown"
}

func (q QoSLevel) MarshalJSON() ([]byte, error) {
	name, ok := qosNames[q]
	if !ok {
		return nil, fmt.Errorf("envelope: invalid qos %d", q)
	}
	return json.Marshal(name)
}

func (q *QoSLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := qosValues[s]
	if !ok {
		return fmt.Errorf("envelope: unknown qos %q", s)
	}
	*q = v
	return nil
}
