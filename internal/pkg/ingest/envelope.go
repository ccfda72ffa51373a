package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/reconciler"
)

// UnknownKeyPart replaces a missing half of the booking key.
const UnknownKeyPart = "unknown"

// Action is either stated by the producer or inferred from the reported
// status. Inferred actions are never treated as ground truth.
type Action struct {
	Value        models.WebhookAction
	Inferred     bool
	InferredFrom string
}

// Explicit wraps an action stated by the producer.
func Explicit(a models.WebhookAction) Action {
	return Action{Value: a}
}

// Inferred wraps an action derived from a status string.
func Inferred(a models.WebhookAction, fromStatus string) Action {
	return Action{Value: a, Inferred: true, InferredFrom: fromStatus}
}

// ResolveAction picks the explicit action when it is recognised and falls
// back to inference from status. Anything else is UNKNOWN.
func ResolveAction(rawAction, status string) Action {
	if strings.TrimSpace(rawAction) != "" {
		if a := models.ParseWebhookAction(rawAction); a != models.ActionUnknown {
			return Explicit(a)
		}
	}
	s := strings.ToUpper(strings.TrimSpace(status))
	if s == "" {
		return Explicit(models.ActionUnknown)
	}
	if s == "REFUNDED" || s == "REFUND" {
		return Inferred(models.ActionRefunded, status)
	}
	parsed, ok := models.ParseBookingStatus(status)
	if !ok {
		return Explicit(models.ActionUnknown)
	}
	switch parsed {
	case models.BookingStatusConfirmed:
		return Inferred(models.ActionConfirmed, status)
	case models.BookingStatusCancelled:
		return Inferred(models.ActionItemCancelled, status)
	default:
		return Inferred(models.ActionUpdated, status)
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

type bookingFields struct {
	BookingID        flexString      `json:"bookingId" validate:"omitempty,max=100,printascii"`
	ConfirmationCode flexString      `json:"confirmationCode" validate:"omitempty,max=100"`
	ParentBookingID  flexString      `json:"parentBookingId" validate:"omitempty,max=100"`
	Status           string          `json:"status" validate:"max=50"`
	ProductTitle     *string         `json:"productTitle" validate:"omitempty,max=255"`
	StartTime        string          `json:"startTime"`
	TotalPrice       *flexString     `json:"totalPrice" validate:"omitempty,max=32"`
	Currency         *string         `json:"currency" validate:"omitempty,max=8"`
	CustomerName     *string         `json:"customerName" validate:"omitempty,max=255"`
	Details          json.RawMessage `json:"details"`
}

// rawObject holds the undecoded members of a JSON object.
type rawObject map[string]json.RawMessage

// fieldReader decodes members one at a time so a malformed member only
// costs that member.
type fieldReader struct {
	obj     rawObject
	prefix  string
	dropped *[]string
}

func readField[T any](r fieldReader, name string) T {
	var v T
	raw, ok := r.obj[name]
	if !ok {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		*r.dropped = append(*r.dropped, r.prefix+name)
		var zero T
		return zero
	}
	return v
}

func readBookingFields(r fieldReader) bookingFields {
	return bookingFields{
		BookingID:        readField[flexString](r, "bookingId"),
		ConfirmationCode: readField[flexString](r, "confirmationCode"),
		ParentBookingID:  readField[flexString](r, "parentBookingId"),
		Status:           readField[string](r, "status"),
		ProductTitle:     readField[*string](r, "productTitle"),
		StartTime:        readField[string](r, "startTime"),
		TotalPrice:       readField[*flexString](r, "totalPrice"),
		Currency:         readField[*string](r, "currency"),
		CustomerName:     readField[*string](r, "customerName"),
		Details:          readField[json.RawMessage](r, "details"),
	}
}

// clear resets the field with the given json name.
func (f *bookingFields) clear(name string) {
	switch name {
	case "bookingId":
		f.BookingID = ""
	case "confirmationCode":
		f.ConfirmationCode = ""
	case "parentBookingId":
		f.ParentBookingID = ""
	case "status":
		f.Status = ""
	case "productTitle":
		f.ProductTitle = nil
	case "totalPrice":
		f.TotalPrice = nil
	case "currency":
		f.Currency = nil
	case "customerName":
		f.CustomerName = nil
	}
}

// Delivery is a parsed inbound webhook.
type Delivery struct {
	Source           models.SourceType
	Action           Action
	Status           string
	BookingID        string
	ConfirmationCode string
	ParentBookingID  string
	Fields           reconciler.Fields
	Body             []byte
	// Dropped lists members that were malformed or invalid and were ignored.
	Dropped []string
	// ParseError is set when the body is not a JSON object.
	ParseError string
	// IdentityError is set when no usable booking id was found.
	IdentityError string
}

// HasIdentity reports whether the delivery names a booking.
func (d Delivery) HasIdentity() bool {
	return d.ParseError == "" && d.IdentityError == ""
}

// BookingKey is <bookingId>:<confirmationCode>, with "unknown" for missing parts.
func (d Delivery) BookingKey() string {
	if !d.HasIdentity() {
		return UnknownKeyPart + ":" + UnknownKeyPart
	}
	code := d.ConfirmationCode
	if code == "" {
		code = UnknownKeyPart
	}
	return d.BookingID + ":" + code
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes a webhook body. It never fails: problems are recorded on
// the delivery and defaults are substituted. Only a missing or invalid
// bookingId costs the delivery its identity; any other bad member is
// dropped and processing continues.
func Parse(source models.SourceType, body []byte) Delivery {
	d := Delivery{
		Source: source,
		Action: Explicit(models.ActionUnknown),
		Body:   body,
	}

	var top rawObject
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&top); err != nil {
		d.ParseError = fmt.Sprintf("unparseable body: %v", err)
		return d
	}

	r := fieldReader{obj: top, dropped: &d.Dropped}
	if d.Source == "" {
		d.Source, _ = models.ParseSourceType(readField[string](r, "sourceType"))
	}
	rawAction := readField[string](r, "action")

	fields := readBookingFields(r)
	if nested := readField[rawObject](r, "booking"); nested != nil {
		fields = merge(fields, readBookingFields(fieldReader{obj: nested, prefix: "booking.", dropped: &d.Dropped}))
	}

	var invalidID string
	if err := validate.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			d.IdentityError = fmt.Sprintf("invalid booking fields: %v", err)
			return d
		}
		for _, fe := range verrs {
			if fe.Field() == "bookingId" {
				invalidID = fmt.Sprintf("invalid bookingId: failed %s", fe.Tag())
			}
			fields.clear(fe.Field())
			d.Dropped = append(d.Dropped, fe.Field())
		}
	}

	d.Status = strings.TrimSpace(fields.Status)
	d.Action = ResolveAction(rawAction, d.Status)
	d.BookingID = string(fields.BookingID)
	d.ConfirmationCode = string(fields.ConfirmationCode)
	d.ParentBookingID = string(fields.ParentBookingID)
	d.Fields = reconciler.Fields{
		ProductTitle: fields.ProductTitle,
		Currency:     fields.Currency,
		CustomerName: fields.CustomerName,
		Details:      fields.Details,
	}
	if fields.TotalPrice != nil {
		p := string(*fields.TotalPrice)
		d.Fields.TotalPrice = &p
	}
	if st := strings.TrimSpace(fields.StartTime); st != "" {
		if t, err := time.Parse(time.RFC3339, st); err == nil {
			d.Fields.StartTime = &t
		} else {
			d.Dropped = append(d.Dropped, "startTime")
		}
	}

	switch {
	case invalidID != "":
		d.IdentityError = invalidID
	case d.BookingID == "":
		d.IdentityError = "missing booking identity"
	}
	return d
}

// merge fills empty top-level fields from the nested booking object.
func merge(top, nested bookingFields) bookingFields {
	if top.BookingID == "" {
		top.BookingID = nested.BookingID
	}
	if top.ConfirmationCode == "" {
		top.ConfirmationCode = nested.ConfirmationCode
	}
	if top.ParentBookingID == "" {
		top.ParentBookingID = nested.ParentBookingID
	}
	if top.Status == "" {
		top.Status = nested.Status
	}
	if top.ProductTitle == nil {
		top.ProductTitle = nested.ProductTitle
	}
	if top.StartTime == "" {
		top.StartTime = nested.StartTime
	}
	if top.TotalPrice == nil {
		top.TotalPrice = nested.TotalPrice
	}
	if top.Currency == nil {
		top.Currency = nested.Currency
	}
	if top.CustomerName == nil {
		top.CustomerName = nested.CustomerName
	}
	if len(top.Details) == 0 {
		top.Details = nested.Details
	}
	return top
}
