package payments

import (
	"context"
	"strconv"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/gateway/yookassa"
)

// Gateway statuses the service understands; anything else is treated as failed.
const (
	GatewayStatusSucceeded         = yookassa.StatusSucceeded
	GatewayStatusPending           = yookassa.StatusPending
	GatewayStatusWaitingForCapture = yookassa.StatusWaitingForCapture
)

// CheckoutRequest is what the service asks a gateway to create.
type CheckoutRequest struct {
	IdempotenceKey string
	UserID         int64
	AmountMinor    int64
	Currency       string
	Units          int64
	Description    string
	ReturnURL      string
}

// GatewayPayment is the gateway view of a payment.
type GatewayPayment struct {
	ProviderPaymentID string
	Status            string
	ConfirmationURL   string
}

// Gateway creates and inspects payments at an external provider.
type Gateway interface {
	CreatePayment(ctx context.Context, request CheckoutRequest) (GatewayPayment, error)
	PaymentStatus(ctx context.Context, providerPaymentID string) (GatewayPayment, error)
}

// YooKassaGateway adapts the YooKassa client to Gateway.
type YooKassaGateway struct {
	client *yookassa.Client
}

// NewYooKassaGateway wraps a configured client.
func NewYooKassaGateway(client *yookassa.Client) *YooKassaGateway {
	return &YooKassaGateway{client: client}
}

// CreatePayment creates an immediately captured payment with a redirect confirmation.
func (g *YooKassaGateway) CreatePayment(ctx context.Context, request CheckoutRequest) (GatewayPayment, error) {
	payment, err := g.client.CreatePayment(ctx, request.IdempotenceKey, yookassa.CreatePaymentRequest{
		Amount:       yookassa.Amount{Value: FormatAmount(request.AmountMinor), Currency: request.Currency},
		Capture:      true,
		Confirmation: yookassa.NewRedirectConfirmation(request.ReturnURL),
		Description:  request.Description,
		Metadata: map[string]string{
			"user_id":    strconv.FormatInt(request.UserID, 10),
			"units":      strconv.FormatInt(request.Units, 10),
			"payment_id": request.IdempotenceKey,
		},
	})
	if err != nil {
		return GatewayPayment{}, err
	}
	return GatewayPayment{
		ProviderPaymentID: payment.ID,
		Status:            payment.Status,
		ConfirmationURL:   payment.ConfirmationURL(),
	}, nil
}

// PaymentStatus queries the current status of a payment.
func (g *YooKassaGateway) PaymentStatus(ctx context.Context, providerPaymentID string) (GatewayPayment, error) {
	payment, err := g.client.GetPayment(ctx, providerPaymentID)
	if err != nil {
		return GatewayPayment{}, err
	}
	return GatewayPayment{
		ProviderPaymentID: payment.ID,
		Status:            payment.Status,
		ConfirmationURL:   payment.ConfirmationURL(),
	}, nil
}
