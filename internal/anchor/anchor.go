// Package anchor talks to the service that writes credential hashes on chain.
package anchor

import (
	"context"
	"errors"
	"time"
)

// PlaceholderContentRef is sent when a credential has no stored document.
const PlaceholderContentRef = "external-credential-no-ipfs"

// ErrPermanent marks a write the anchor service rejected outright. Retrying
// the same request will not succeed.
var ErrPermanent = errors.New("anchor: permanent failure")

// Receipt is the anchor service's confirmation of a write.
type Receipt struct {
	TxHash          string    `json:"tx_hash"`
	Network         string    `json:"network"`
	ContractAddress string    `json:"contract_address"`
	Timestamp       time.Time `json:"timestamp"`
}

// Service writes and confirms anchors.
type Service interface {
	Write(ctx context.Context, credentialID, dataHash, contentRef string) (*Receipt, error)
	Verify(ctx context.Context, txHash string) (bool, error)
}
