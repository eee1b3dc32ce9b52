package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"midswap/escrow"
)

// CustodyClient implements escrow.Custody against the custody signer
// service. The signer holds the escrow key and builds, signs, and submits
// the transfer; this client only describes which assets move where.
type CustodyClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewCustodyClient builds a client for the signer at baseURL.
func NewCustodyClient(baseURL, authToken string) *CustodyClient {
	return &CustodyClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// transferRequest describes one escrow transfer to the signer.
type transferRequest struct {
	OfferID     string   `json:"offerId"`
	Destination string   `json:"destination"`
	NFTs        []string `json:"nfts"`
	Sol         float64  `json:"sol"`
}

type transferResponse struct {
	TxSignature string `json:"txSignature"`
	Error       string `json:"error,omitempty"`
}

func (c *CustodyClient) transfer(ctx context.Context, endpoint string, req transferRequest) (string, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("custody %s failed: status=%d body=%s", endpoint, resp.StatusCode, string(body))
	}
	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("custody %s rejected: %s", endpoint, out.Error)
	}
	return out.TxSignature, nil
}

// ReleaseToReceiver sends the initiator's escrowed assets to the receiver.
func (c *CustodyClient) ReleaseToReceiver(ctx context.Context, offer *escrow.Offer) (string, error) {
	if !offer.Initiator.HasAssets() {
		return "", nil
	}
	return c.transfer(ctx, "/v1/transfers/release", transferRequest{
		OfferID:     offer.ID,
		Destination: offer.Receiver.Wallet,
		NFTs:        offer.Initiator.NFTs,
		Sol:         offer.Initiator.Sol,
	})
}

// ReleaseToInitiator sends the receiver's escrowed assets to the initiator.
func (c *CustodyClient) ReleaseToInitiator(ctx context.Context, offer *escrow.Offer) (string, error) {
	if !offer.Receiver.HasAssets() {
		return "", nil
	}
	return c.transfer(ctx, "/v1/transfers/release", transferRequest{
		OfferID:     offer.ID,
		Destination: offer.Initiator.Wallet,
		NFTs:        offer.Receiver.NFTs,
		Sol:         offer.Receiver.Sol,
	})
}

// ReturnToInitiator sends the initiator's escrowed assets back.
func (c *CustodyClient) ReturnToInitiator(ctx context.Context, offer *escrow.Offer) (string, error) {
	if !offer.Initiator.HasAssets() {
		return "", nil
	}
	return c.transfer(ctx, "/v1/transfers/return", transferRequest{
		OfferID:     offer.ID,
		Destination: offer.Initiator.Wallet,
		NFTs:        offer.Initiator.NFTs,
		Sol:         offer.Initiator.Sol,
	})
}

// ReturnToReceiver sends the receiver's escrowed assets back.
func (c *CustodyClient) ReturnToReceiver(ctx context.Context, offer *escrow.Offer) (string, error) {
	if !offer.Receiver.HasAssets() {
		return "", nil
	}
	return c.transfer(ctx, "/v1/transfers/return", transferRequest{
		OfferID:     offer.ID,
		Destination: offer.Receiver.Wallet,
		NFTs:        offer.Receiver.NFTs,
		Sol:         offer.Receiver.Sol,
	})
}
