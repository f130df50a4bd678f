package models

import "time"

// ==================== Public API DTOs ====================

// CreateOrderRequest is posted by customers to buy a bridge or tunnel
type CreateOrderRequest struct {
	Product     string `json:"product" binding:"required"` // tor_bridge, rssh_tunnel
	HostID      string `json:"host_id" binding:"required"`
	TosAccepted bool   `json:"tos_accepted"`
	Comment     string `json:"comment"`
	Target      string `json:"target,omitempty"`     // tor bridges
	PublicKey   string `json:"public_key,omitempty"` // rssh tunnels
}

// CreateOrderResponse points at the created order
type CreateOrderResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// HostResponse is the public view of a host
type HostResponse struct {
	ID                      string     `json:"id"`
	IP                      string     `json:"ip"`
	Name                    string     `json:"name"`
	IsEnabled               bool       `json:"is_enabled"`
	IsAlive                 bool       `json:"is_alive"`
	OffersTorBridges        bool       `json:"offers_tor_bridges"`
	OffersRsshTunnels       bool       `json:"offers_rssh_tunnels"`
	TorBridgeDuration       int64      `json:"tor_bridge_duration"`
	TorBridgePriceInitial   int64      `json:"tor_bridge_price_initial"`
	TorBridgePriceExtension int64      `json:"tor_bridge_price_extension"`
	RsshTunnelPrice         int64      `json:"rssh_tunnel_price"`
	TermsOfService          string     `json:"terms_of_service"`
	TermsOfServiceURL       string     `json:"terms_of_service_url"`
	CheckInDate             *time.Time `json:"ci_date,omitempty"`
	CheckInStatus           string     `json:"ci_status"`
	CheckInMessage          string     `json:"ci_message"`
}

// OrderItemResponse is one order line
type OrderItemResponse struct {
	Position    int    `json:"position"`
	Quantity    int    `json:"quantity"`
	PriceMsat   int64  `json:"price"`
	ProductType string `json:"product_type"`
	ProductID   string `json:"product_id"`
}

// InvoiceResponse is the public view of an invoice. The preimage is never included.
type InvoiceResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Label             string     `json:"label"`
	Memo              string     `json:"memo"`
	AmountMsat        int64      `json:"msatoshi"`
	AmountFullSatoshi int64      `json:"amount_full_satoshi"`
	AmountBTC         string     `json:"amount_btc"`
	AmountHuman       string     `json:"amount_human"`
	PaymentHash       string     `json:"payment_hash"`
	PaymentRequest    string     `json:"payment_request"`
	QRImageURL        string     `json:"qr_image,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	TaxCurrency       string     `json:"tax_currency_ex_rate_currency,omitempty"`
	TaxRateCents      *int64     `json:"tax_currency_ex_rate,omitempty"`
	InfoCurrency      string     `json:"info_currency_ex_rate_currency,omitempty"`
	InfoRateCents     *int64     `json:"info_currency_ex_rate,omitempty"`
}

// OrderResponse is the public view of a purchase order
type OrderResponse struct {
	ID             string               `json:"id"`
	Status         string               `json:"status"`
	Message        string               `json:"message"`
	TotalPriceMsat int64                `json:"total_price_msat"`
	TotalPriceSat  int64                `json:"total_price_sat"`
	Items          []*OrderItemResponse `json:"item_details"`
	Invoices       []*InvoiceResponse   `json:"ln_invoices"`
	CreatedAt      time.Time            `json:"created_at"`
}

// BridgeResponse is the view of a bridge or tunnel
type BridgeResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	HostID       string    `json:"host_id"`
	Status       string    `json:"status"`
	Port         *int      `json:"port"`
	SuspendAfter time.Time `json:"suspend_after"`
	Comment      string    `json:"comment"`
	Target       string    `json:"target,omitempty"`
	PublicKey    string    `json:"public_key,omitempty"`
}

// ==================== Host API DTOs ====================

// CheckInRequest is sent periodically by host agents
type CheckInRequest struct {
	CIStatus  string `json:"ci_status" binding:"required"`
	CIMessage string `json:"ci_message"`
}

// BridgeStatusRequest is sent by the host activation worker
type BridgeStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// MonitoringEntry is one bridge in the host's telegraf list
type MonitoringEntry struct {
	ID     string `json:"id"`
	Port   int    `json:"port"`
	Target string `json:"target"`
}

// ==================== Admin API DTOs ====================

// OrderStatusRequest moves an order through an operator exit
type OrderStatusRequest struct {
	Status  string `json:"status" binding:"required"`
	Message string `json:"message"`
}

// ==================== Converters ====================

// NewHostResponse builds the public host view.
func NewHostResponse(h *Host, now time.Time) *HostResponse {
	return &HostResponse{
		ID:                      h.ID,
		IP:                      h.IP,
		Name:                    h.Name,
		IsEnabled:               h.IsEnabled,
		IsAlive:                 h.IsAlive(now),
		OffersTorBridges:        h.OffersTorBridges,
		OffersRsshTunnels:       h.OffersRsshTunnels,
		TorBridgeDuration:       h.TorBridgeDuration,
		TorBridgePriceInitial:   h.TorBridgePriceInitial,
		TorBridgePriceExtension: h.TorBridgePriceExtension,
		RsshTunnelPrice:         h.RsshTunnelPrice,
		TermsOfService:          h.TermsOfService,
		TermsOfServiceURL:       h.TermsOfServiceURL,
		CheckInDate:             h.CheckInDate,
		CheckInStatus:           h.CheckInStatus.String(),
		CheckInMessage:          h.CheckInMessage,
	}
}

// NewInvoiceResponse builds the public invoice view; mediaURL prefixes the QR path.
func NewInvoiceResponse(i *Invoice, mediaURL string) *InvoiceResponse {
	resp := &InvoiceResponse{
		ID:                i.ID,
		Status:            i.Status.String(),
		Label:             i.Label,
		Memo:              i.Memo,
		AmountMsat:        i.AmountMsat,
		AmountFullSatoshi: i.AmountFullSatoshi(),
		AmountBTC:         i.AmountBTC(),
		AmountHuman:       i.AmountHuman(),
		PaymentHash:       i.PaymentHashHex(),
		PaymentRequest:    i.PaymentRequest,
		ExpiresAt:         i.ExpiresAt,
		PaidAt:            i.PaidAt,
		TaxCurrency:       i.TaxCurrency,
		TaxRateCents:      i.TaxRateCents,
		InfoCurrency:      i.InfoCurrency,
		InfoRateCents:     i.InfoRateCents,
	}
	if i.QRImagePath != "" {
		resp.QRImageURL = mediaURL + "/" + i.QRImagePath
	}
	return resp
}

// NewOrderResponse builds the public order view.
func NewOrderResponse(o *PurchaseOrder, invoices []*Invoice, mediaURL string) *OrderResponse {
	resp := &OrderResponse{
		ID:             o.ID,
		Status:         string(o.Status),
		Message:        o.Message,
		TotalPriceMsat: o.TotalPriceMsat(),
		TotalPriceSat:  o.TotalPriceSat(),
		Items:          make([]*OrderItemResponse, 0, len(o.Items)),
		Invoices:       make([]*InvoiceResponse, 0, len(invoices)),
		CreatedAt:      o.CreatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, &OrderItemResponse{
			Position:    item.Position,
			Quantity:    item.Quantity,
			PriceMsat:   item.PriceMsat,
			ProductType: string(item.Product.Kind),
			ProductID:   item.Product.ID,
		})
	}
	for _, inv := range invoices {
		resp.Invoices = append(resp.Invoices, NewInvoiceResponse(inv, mediaURL))
	}
	return resp
}

// NewBridgeResponse builds the bridge view.
func NewBridgeResponse(b *Bridge) *BridgeResponse {
	return &BridgeResponse{
		ID:           b.ID,
		Type:         string(b.Kind),
		HostID:       b.HostID,
		Status:       string(b.Status),
		Port:         b.Port,
		SuspendAfter: b.SuspendAfter,
		Comment:      b.Comment,
		Target:       b.Target,
		PublicKey:    b.PublicKey,
	}
}
