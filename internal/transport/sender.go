package transport

import (
	"context"
	"fmt"

	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/httputil"
)

const contentType = "text/xml; charset=utf-8"

// Delivery is the outcome of a successful send
type Delivery struct {
	StatusCode int
	Attempts   int
}

// Sender delivers an encoded message to a participant
type Sender interface {
	Send(ctx context.Context, recipientDomain string, precedence Precedence, payload []byte) (*Delivery, error)
}

// HTTPSender posts messages to the participant endpoint, retrying with the
// back-off policy of the message precedence
type HTTPSender struct {
	client           *httputil.Client
	cfg              config.SenderConfig
	endpointTemplate string
}

// NewHTTPSender creates an HTTPSender. endpointTemplate contains one %s for
// the recipient domain.
func NewHTTPSender(client *httputil.Client, cfg config.SenderConfig, endpointTemplate string) *HTTPSender {
	return &HTTPSender{client: client, cfg: cfg, endpointTemplate: endpointTemplate}
}

// Endpoint returns the URL messages for domain are posted to
func (s *HTTPSender) Endpoint(domain string) string {
	return fmt.Sprintf(s.endpointTemplate, domain)
}

// Policy returns the back-off policy for a precedence
func (s *HTTPSender) Policy(p Precedence) config.BackoffConfig {
	switch p {
	case Routine:
		return s.cfg.Routine
	case Critical:
		return s.cfg.Critical
	default:
		return s.cfg.Transactional
	}
}

func (s *HTTPSender) Send(ctx context.Context, recipientDomain string, precedence Precedence, payload []byte) (*Delivery, error) {
	resp, err := s.client.Post(ctx, s.Endpoint(recipientDomain), contentType, payload, s.Policy(precedence), recipientDomain)
	if err != nil {
		return nil, fmt.Errorf("delivery to %s failed: %w", recipientDomain, err)
	}
	return &Delivery{StatusCode: resp.StatusCode, Attempts: resp.Attempts}, nil
}
