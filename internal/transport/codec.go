package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

// DecodeErrorKind separates unreadable documents from readable ones that
// break the message schema
type DecodeErrorKind string

const (
	Malformed DecodeErrorKind = "MALFORMED"
	Schema    DecodeErrorKind = "SCHEMA"
)

// DecodeError is returned by Codec.Decode
type DecodeError struct {
	Kind    DecodeErrorKind
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a DecodeError of the given kind
func IsDecodeError(err error, kind DecodeErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}

var factories = map[string]func() Message{
	"Prognosis":                   func() Message { return &Prognosis{} },
	"PrognosisResponse":           func() Message { return &PrognosisResponse{} },
	"FlexRequest":                 func() Message { return &FlexRequest{} },
	"FlexOffer":                   func() Message { return &FlexOffer{} },
	"FlexOfferResponse":           func() Message { return &FlexOfferResponse{} },
	"FlexOfferRevocation":         func() Message { return &FlexOfferRevocation{} },
	"FlexOfferRevocationResponse": func() Message { return &FlexOfferRevocationResponse{} },
	"FlexOrder":                   func() Message { return &FlexOrder{} },
	"FlexOrderResponse":           func() Message { return &FlexOrderResponse{} },
	"MeterDataQuery":              func() Message { return &MeterDataQuery{} },
	"MeterDataQueryResponse":      func() Message { return &MeterDataQueryResponse{} },
	"FlexOrderSettlements":        func() Message { return &FlexOrderSettlements{} },
}

// Codec converts messages to and from XML
// ⭐ SSOT: wire format encoding and schema checks
type Codec struct {
	validate *validator.Validate
}

// NewCodec creates a Codec
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// Encode renders msg as an XML document. The message is checked against
// the schema first so invalid documents never leave the process.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	if err := c.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%s does not satisfy schema: %w", msg.MessageType(), err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	start := xml.StartElement{Name: xml.Name{Local: msg.MessageType()}}
	if err := enc.EncodeElement(msg, start); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses an XML document whose root element names the message type
func (c *Codec) Decode(data []byte) (Message, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, &DecodeError{Kind: Malformed, Message: "unreadable document", Err: err}
	}

	factory, ok := factories[root]
	if !ok {
		return nil, &DecodeError{Kind: Schema, Message: fmt.Sprintf("unknown message type %q", root)}
	}

	msg := factory()
	if err := xml.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Kind: Malformed, Message: "cannot read " + root, Err: err}
	}
	if err := c.validate.Struct(msg); err != nil {
		return nil, &DecodeError{Kind: Schema, Message: root + " does not satisfy schema", Err: err}
	}
	return msg, nil
}

// DecodeSigned unwraps a SignedMessage and decodes its body
func (c *Codec) DecodeSigned(data []byte) (Message, error) {
	var signed SignedMessage
	if err := xml.Unmarshal(data, &signed); err != nil {
		return nil, &DecodeError{Kind: Malformed, Message: "cannot read SignedMessage", Err: err}
	}
	if err := c.validate.Struct(signed); err != nil {
		return nil, &DecodeError{Kind: Schema, Message: "SignedMessage does not satisfy schema", Err: err}
	}

	body, err := base64.StdEncoding.DecodeString(signed.Body)
	if err != nil {
		return nil, &DecodeError{Kind: Malformed, Message: "SignedMessage body is not base64", Err: err}
	}

	msg, err := c.Decode(body)
	if err != nil {
		return nil, err
	}
	if msg.Meta().SenderDomain != signed.SenderDomain {
		return nil, &DecodeError{Kind: Schema, Message: fmt.Sprintf(
			"sender %s does not match signer %s", msg.Meta().SenderDomain, signed.SenderDomain)}
	}
	return msg, nil
}

// EncodeSigned encodes msg and wraps it in a SignedMessage
func (c *Codec) EncodeSigned(msg Message) ([]byte, error) {
	body, err := c.Encode(msg)
	if err != nil {
		return nil, err
	}

	signed := SignedMessage{
		SenderDomain: msg.Meta().SenderDomain,
		SenderRole:   msg.Meta().SenderRole,
		Body:         base64.StdEncoding.EncodeToString(body),
	}
	out, err := xml.MarshalIndent(signed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode SignedMessage: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("document has no root element")
			}
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
