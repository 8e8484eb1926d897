package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// FinalizeArtifact is what the finalizer keeps per presale. The recipient
// secret is the only copy of that key.
type FinalizeArtifact struct {
	PresaleID       string    `json:"presale_id"`
	PresaleAccount  string    `json:"presale_account"`
	Recipient       string    `json:"recipient"`
	RecipientSecret string    `json:"recipient_secret"`
	Signature       string    `json:"signature"`
	FinalizedAt     time.Time `json:"finalized_at"`
}

func ArtifactKey(presaleID string) string {
	return "presales/" + presaleID + "/finalize.json"
}

func NewFinalizeArtifact(presaleID, presaleAccount, recipient string, recipientSecret []byte, signature string, at time.Time) FinalizeArtifact {
	return FinalizeArtifact{
		PresaleID:       presaleID,
		PresaleAccount:  presaleAccount,
		Recipient:       recipient,
		RecipientSecret: base58.Encode(recipientSecret),
		Signature:       signature,
		FinalizedAt:     at.UTC(),
	}
}

func PutArtifact(ctx context.Context, store Store, a FinalizeArtifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode finalize artifact: %w", err)
	}
	return store.Put(ctx, ArtifactKey(a.PresaleID), payload)
}

func GetArtifact(ctx context.Context, store Store, presaleID string) (FinalizeArtifact, error) {
	var a FinalizeArtifact
	payload, err := store.Get(ctx, ArtifactKey(presaleID))
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(payload, &a); err != nil {
		return a, fmt.Errorf("decode finalize artifact: %w", err)
	}
	return a, nil
}

// Secret decodes the archived recipient key.
func (a FinalizeArtifact) Secret() ([]byte, error) {
	return base58.Decode(a.RecipientSecret)
}
