package wsman

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WS-Eventing namespace and action URIs.
const (
	// NsEventing is the WS-Eventing namespace.
	NsEventing = "http://schemas.xmlsoap.org/ws/2004/08/eventing"

	// ActionSubscribe creates an event subscription.
	ActionSubscribe = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Subscribe"

	// ActionSubscribeResponse is the response to Subscribe.
	ActionSubscribeResponse = "http://schemas.xmlsoap.org/ws/2004/08/eventing/SubscribeResponse"

	// ActionUnsubscribe tears down an event subscription.
	ActionUnsubscribe = "http://schemas.xmlsoap.org/ws/2004/08/eventing/Unsubscribe"

	// ActionPull retrieves pending events for a pull-mode subscription.
	ActionPull = "http://schemas.xmlsoap.org/ws/2004/09/enumeration/Pull"

	// DeliveryModePull asks the server to hold events for polling rather
	// than pushing them.
	DeliveryModePull = "http://schemas.dmtf.org/wbem/wsman/1/wsman/Pull"

	// DialectWQL is the WQL filter dialect.
	DialectWQL = "http://schemas.microsoft.com/wbem/wsman/1/WQL"
)

// Subscription identifies an active event subscription: the manager EPR
// to unsubscribe through, the server-assigned identifier, and the
// enumeration context used for pull-mode polling.
type Subscription struct {
	SubscriptionID     string
	EnumerationContext string
	Expires            string
	Manager            *EndpointReference
}

// PullResponse is one batch of events from a Pull.
type PullResponse struct {
	EnumerationContext string
	Items              PullItems
	// EndOfSequence is non-nil when the server reports the subscription
	// has ended.
	EndOfSequence *struct{}
}

// PullItems carries the raw inner XML of the Items element; callers parse
// the event payloads themselves.
type PullItems struct {
	Raw []byte
}

// Subscribe creates a pull-mode event subscription filtered by a WQL query.
func (c *Client) Subscribe(ctx context.Context, resourceURI, query string) (*Subscription, error) {
	env := NewEnvelope().
		WithAction(ActionSubscribe).
		WithTo(c.endpoint).
		WithResourceURI(resourceURI).
		WithMaxEnvelopeSize(153600).
		WithOperationTimeout("PT60S").
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	body := `<wse:Subscribe xmlns:wse="` + NsEventing + `">
  <wse:Delivery Mode="` + DeliveryModePull + `"/>
  <w:Filter Dialect="` + DialectWQL + `">` + xmlEscape(query) + `</w:Filter>
</wse:Subscribe>`
	env.WithBody([]byte(body))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var resp subscribeResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}

	sr := resp.Body.SubscribeResponse
	sub := &Subscription{
		SubscriptionID:     sr.SubscriptionManager.ReferenceParameters.Identifier,
		EnumerationContext: sr.EnumerationContext,
		Expires:            sr.Expires,
	}
	if sr.SubscriptionManager.Address != "" || sub.SubscriptionID != "" {
		sub.Manager = &EndpointReference{
			Address: sr.SubscriptionManager.Address,
		}
		if sub.SubscriptionID != "" {
			sub.Manager.Selectors = []Selector{{Name: "SubscriptionId", Value: sub.SubscriptionID}}
		}
	}
	return sub, nil
}

// Pull retrieves the next batch of events for a subscription's
// enumeration context.
func (c *Client) Pull(ctx context.Context, resourceURI, enumContext string, maxElements int) (*PullResponse, error) {
	env := NewEnvelope().
		WithAction(ActionPull).
		WithTo(c.endpoint).
		WithResourceURI(resourceURI).
		WithMaxEnvelopeSize(153600).
		WithOperationTimeout("PT60S").
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	body := fmt.Sprintf(`<wsen:Pull xmlns:wsen="`+NsEnumeration+`">
  <wsen:EnumerationContext>%s</wsen:EnumerationContext>
  <wsen:MaxElements>%d</wsen:MaxElements>
</wsen:Pull>`, xmlEscape(enumContext), maxElements)
	env.WithBody([]byte(body))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	var resp pullResponseEnvelope
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse pull response: %w", err)
	}

	pr := &PullResponse{
		EnumerationContext: resp.Body.PullResponse.EnumerationContext,
		Items:              PullItems{Raw: resp.Body.PullResponse.Items.Raw},
	}
	if resp.Body.PullResponse.EndOfSequence != nil {
		pr.EndOfSequence = &struct{}{}
	}
	return pr, nil
}

// Unsubscribe tears down a subscription created by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	env := NewEnvelope().
		WithAction(ActionUnsubscribe).
		WithTo(c.endpoint).
		WithResourceURI(ResourceURIPowerShell).
		WithMaxEnvelopeSize(153600).
		WithOperationTimeout("PT60S").
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	if sub != nil && sub.Manager != nil {
		for _, sel := range sub.Manager.Selectors {
			env.WithSelector(sel.Name, sel.Value)
		}
	}
	env.WithBody([]byte(`<wse:Unsubscribe xmlns:wse="` + NsEventing + `"/>`))

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

type subscribeResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		SubscribeResponse struct {
			SubscriptionManager struct {
				Address             string `xml:"Address"`
				ReferenceParameters struct {
					Identifier string `xml:"Identifier"`
				} `xml:"ReferenceParameters"`
			} `xml:"SubscriptionManager"`
			EnumerationContext string `xml:"EnumerationContext"`
			Expires            string `xml:"Expires"`
		} `xml:"SubscribeResponse"`
	} `xml:"Body"`
}

type pullResponseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		PullResponse struct {
			EnumerationContext string `xml:"EnumerationContext"`
			Items              struct {
				Raw []byte `xml:",innerxml"`
			} `xml:"Items"`
			EndOfSequence *struct{} `xml:"EndOfSequence"`
		} `xml:"PullResponse"`
	} `xml:"Body"`
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
