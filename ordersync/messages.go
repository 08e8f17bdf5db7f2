package ordersync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Subprotocol names advertised inside an order sync request, in order of
// preference. The responder picks one and tags its reply with it.
const (
	SubprotocolV1 = "/pagination-with-filter/version/1"
	SubprotocolV0 = "/pagination-with-filter/version/0"
)

const (
	zeroHash    = "0x0000000000000000000000000000000000000000000000000000000000000000"
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// Message is the envelope shared by both directions of the wire: a single
// JSON object tagged with a "type" of "Request" or "Response". Exactly one
// of the two fields is set.
type Message struct {
	Request  *Request
	Response *Response
}

// Request asks a remote for a page of its order set. Subprotocols and
// Metadata.Metadata are parallel lists: entry i of the metadata carries the
// resume state for subprotocol i.
type Request struct {
	Subprotocols []string
	Metadata     RequestMetadataContainer
}

// RequestMetadataContainer is a redundant wrapper around the metadata list,
// kept because existing deployments expect the extra level of nesting.
type RequestMetadataContainer struct {
	Metadata []RequestMetadata `json:"metadata"`
}

// RequestMetadata holds the resume state for one subprotocol. Exactly one of
// V0 or V1 is set. The wire encoding is untagged; the variant is recognized
// by which keys are present.
type RequestMetadata struct {
	V0 *RequestMetadataV0
	V1 *RequestMetadataV1
}

// RequestMetadataV0 resumes from a (snapshot, page) pair.
type RequestMetadataV0 struct {
	SnapshotID  string      `json:"snapshotID"`
	Page        int64       `json:"page"`
	OrderFilter OrderFilter `json:"orderfilter"`
}

// RequestMetadataV1 resumes from the hash of the last order received.
type RequestMetadataV1 struct {
	MinOrderHash string      `json:"minOrderHash"`
	OrderFilter  OrderFilter `json:"orderfilter"`
}

// Response carries one page of orders. Complete reports whether the remote
// has sent its whole set; while false, Metadata holds the resume state for
// the next request.
type Response struct {
	Orders   []Order
	Complete bool
	Metadata ResponseMetadata
}

// ResponseMetadata is the subprotocol-specific pagination state echoed by
// the responder. Exactly one of V0 or V1 is set, matching the subprotocol
// the responder picked.
type ResponseMetadata struct {
	V0 *ResponseMetadataV0
	V1 *ResponseMetadataV1
}

// ResponseMetadataV0 reports the snapshot and page this response was served
// from.
type ResponseMetadataV0 struct {
	SnapshotID string `json:"snapshotID"`
	Page       int64  `json:"page"`
}

// ResponseMetadataV1 reports the hash to resume from.
type ResponseMetadataV1 struct {
	NextMinOrderHash string `json:"nextMinOrderHash"`
}

// Order is an opaque signed exchange order. The core only transports and
// deduplicates these records; validation and settlement belong to another
// subsystem. Field names are part of the wire contract: camelCase with a
// lower-case d in chainId, unlike the filter's chainID.
type Order struct {
	ChainID               int64  `json:"chainId"`
	ExchangeAddress       string `json:"exchangeAddress"`
	MakerAddress          string `json:"makerAddress"`
	MakerAssetData        string `json:"makerAssetData"`
	MakerFeeAssetData     string `json:"makerFeeAssetData"`
	MakerAssetAmount      string `json:"makerAssetAmount"`
	MakerFee              string `json:"makerFee"`
	TakerAddress          string `json:"takerAddress"`
	TakerAssetData        string `json:"takerAssetData"`
	TakerFeeAssetData     string `json:"takerFeeAssetData"`
	TakerAssetAmount      string `json:"takerAssetAmount"`
	TakerFee              string `json:"takerFee"`
	SenderAddress         string `json:"senderAddress"`
	FeeRecipientAddress   string `json:"feeRecipientAddress"`
	ExpirationTimeSeconds string `json:"expirationTimeSeconds"`
	Salt                  string `json:"salt"`
	Signature             string `json:"signature"`
}

// OrderFilter scopes a request to a chain and exchange contract.
type OrderFilter struct {
	CustomOrderSchema string `json:"customOrderSchema"`
	ChainID           int64  `json:"chainID"`
	ExchangeAddress   string `json:"exchangeAddress"`
}

// DefaultOrderFilter matches everything on chain 0.
func DefaultOrderFilter() OrderFilter {
	return OrderFilter{
		CustomOrderSchema: "{}",
		ChainID:           0,
		ExchangeAddress:   zeroAddress,
	}
}

// MainnetV3OrderFilter scopes to the v3 exchange contract on mainnet.
func MainnetV3OrderFilter() OrderFilter {
	return OrderFilter{
		CustomOrderSchema: "{}",
		ChainID:           1,
		ExchangeAddress:   "0x61935cbdd02287b511119ddb11aeb42f1593b7ef",
	}
}

// MainnetV2OrderFilter scopes to the v2 exchange contract on mainnet.
func MainnetV2OrderFilter() OrderFilter {
	return OrderFilter{
		CustomOrderSchema: "{}",
		ChainID:           1,
		ExchangeAddress:   "0x080bf510fcbf18b91105470639e9561022937712",
	}
}

// RequestFromFilter builds the initial request for a filter, offering both
// subprotocols with V1 preferred.
func RequestFromFilter(filter OrderFilter) *Request {
	return &Request{
		Subprotocols: []string{SubprotocolV1, SubprotocolV0},
		Metadata: RequestMetadataContainer{
			Metadata: []RequestMetadata{
				{V1: &RequestMetadataV1{
					MinOrderHash: zeroHash,
					OrderFilter:  filter,
				}},
				{V0: &RequestMetadataV0{
					SnapshotID:  "",
					Page:        0,
					OrderFilter: filter,
				}},
			},
		},
	}
}

// DefaultRequest is the request a fresh node opens a sync session with.
func DefaultRequest() *Request {
	return RequestFromFilter(DefaultOrderFilter())
}

// Subprotocol names the variant held by this metadata entry.
func (m RequestMetadata) Subprotocol() string {
	if m.V1 != nil {
		return SubprotocolV1
	}
	return SubprotocolV0
}

// Subprotocol names the variant the responder picked.
func (m ResponseMetadata) Subprotocol() string {
	if m.V1 != nil {
		return SubprotocolV1
	}
	return SubprotocolV0
}

// NextRequest derives the request resuming pagination after this response.
// A complete response yields nil. Both variants reset the filter to its
// default for follow-up pages, mirroring the deployed protocol.
func (r *Response) NextRequest() *Request {
	if r.Complete {
		return nil
	}
	var md RequestMetadata
	switch {
	case r.Metadata.V0 != nil:
		md.V0 = &RequestMetadataV0{
			SnapshotID:  r.Metadata.V0.SnapshotID,
			Page:        r.Metadata.V0.Page + 1,
			OrderFilter: DefaultOrderFilter(),
		}
	case r.Metadata.V1 != nil:
		md.V1 = &RequestMetadataV1{
			MinOrderHash: r.Metadata.V1.NextMinOrderHash,
			OrderFilter:  DefaultOrderFilter(),
		}
	default:
		return nil
	}
	return &Request{
		Subprotocols: []string{md.Subprotocol()},
		Metadata:     RequestMetadataContainer{Metadata: []RequestMetadata{md}},
	}
}

type wireRequest struct {
	Type         string                   `json:"type"`
	Subprotocols []string                 `json:"subprotocols"`
	Metadata     RequestMetadataContainer `json:"metadata"`
}

type wireResponse struct {
	Type        string          `json:"type"`
	Orders      []Order         `json:"orders"`
	Complete    bool            `json:"complete"`
	Subprotocol string          `json:"subprotocol"`
	Metadata    json.RawMessage `json:"metadata"`
}

// MarshalJSON emits the tagged envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Request != nil && m.Response == nil:
		return json.Marshal(wireRequest{
			Type:         "Request",
			Subprotocols: m.Request.Subprotocols,
			Metadata:     m.Request.Metadata,
		})
	case m.Response != nil && m.Request == nil:
		md, err := m.Response.Metadata.MarshalJSON()
		if err != nil {
			return nil, err
		}
		orders := m.Response.Orders
		if orders == nil {
			orders = []Order{}
		}
		return json.Marshal(wireResponse{
			Type:        "Response",
			Orders:      orders,
			Complete:    m.Response.Complete,
			Subprotocol: m.Response.Metadata.Subprotocol(),
			Metadata:    md,
		})
	}
	return nil, errors.New("message must hold exactly one of request or response")
}

// UnmarshalJSON dispatches on the "type" tag.
func (m *Message) UnmarshalJSON(b []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "Request":
		var wire wireRequest
		if err := json.Unmarshal(b, &wire); err != nil {
			return err
		}
		m.Request = &Request{
			Subprotocols: wire.Subprotocols,
			Metadata:     wire.Metadata,
		}
		if len(m.Request.Subprotocols) != len(m.Request.Metadata.Metadata) {
			return fmt.Errorf("request carries %d subprotocols but %d metadata entries",
				len(m.Request.Subprotocols), len(m.Request.Metadata.Metadata))
		}
	case "Response":
		var wire wireResponse
		if err := json.Unmarshal(b, &wire); err != nil {
			return err
		}
		res := &Response{
			Orders:   wire.Orders,
			Complete: wire.Complete,
		}
		if err := res.Metadata.unmarshalVariant(wire.Subprotocol, wire.Metadata); err != nil {
			return err
		}
		m.Response = res
	default:
		return fmt.Errorf("unknown message type %q", probe.Type)
	}
	return nil
}

// MarshalJSON picks the set variant. The wire encoding is untagged.
func (m RequestMetadata) MarshalJSON() ([]byte, error) {
	switch {
	case m.V0 != nil && m.V1 == nil:
		return json.Marshal(m.V0)
	case m.V1 != nil && m.V0 == nil:
		return json.Marshal(m.V1)
	}
	return nil, errors.New("request metadata must hold exactly one variant")
}

// UnmarshalJSON recognizes the variant by which keys are present.
func (m *RequestMetadata) UnmarshalJSON(b []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	if _, ok := keys["minOrderHash"]; ok {
		m.V1 = &RequestMetadataV1{}
		return json.Unmarshal(b, m.V1)
	}
	if _, ok := keys["snapshotID"]; ok {
		m.V0 = &RequestMetadataV0{}
		return json.Unmarshal(b, m.V0)
	}
	return errors.New("request metadata matches no known subprotocol")
}

// MarshalJSON emits the inner metadata object; the subprotocol tag lives on
// the enclosing response.
func (m ResponseMetadata) MarshalJSON() ([]byte, error) {
	switch {
	case m.V0 != nil && m.V1 == nil:
		return json.Marshal(m.V0)
	case m.V1 != nil && m.V0 == nil:
		return json.Marshal(m.V1)
	}
	return nil, errors.New("response metadata must hold exactly one variant")
}

func (m *ResponseMetadata) unmarshalVariant(subprotocol string, b []byte) error {
	switch subprotocol {
	case SubprotocolV0:
		m.V0 = &ResponseMetadataV0{}
		return json.Unmarshal(b, m.V0)
	case SubprotocolV1:
		m.V1 = &ResponseMetadataV1{}
		return json.Unmarshal(b, m.V1)
	}
	return fmt.Errorf("unknown subprotocol %q", subprotocol)
}
