package parser

// NotAvailable marks a field that was missing or failed to transform
const NotAvailable = "N/A"

// Reason classifies why a line produced no record
type Reason string

const (
	ReasonInvalidFormat    Reason = "invalid_format"
	ReasonValidationFailed Reason = "validation_failed"
	ReasonJSONDecode       Reason = "json_decode"
	ReasonUnexpected       Reason = "unexpected"
)

// Record is one normalized detection event
type Record struct {
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"device_id"`
	UserName  string `json:"user_name"`
	Gender    string `json:"gender"`
	Age       string `json:"age"`
	Score     string `json:"score"`
	FaceID    string `json:"face_id"`
	CompanyID string `json:"company_id"`
	ImageURL  string `json:"image_url"`
	EventType string `json:"event_type"`
	UserList  string `json:"user_list"`
	IPAddress string `json:"ip_address"`

	UserID      string `json:"user_id,omitempty"`
	FrpicName   string `json:"frpic_name,omitempty"`
	RequestType string `json:"request_type,omitempty"`
	Group       string `json:"group,omitempty"`
	MongoID     string `json:"mongo_id,omitempty"`
	CompanyType string `json:"company_type,omitempty"`
}

// Outcome is the result of parsing one line. Record is nil when the line was
// rejected, in which case Reason says why.
type Outcome struct {
	Fingerprint string
	Record      *Record
	Reason      Reason
	Cached      bool
}

// OK reports whether the line produced a record
func (o Outcome) OK() bool {
	return o.Record != nil
}
