package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Signer signs receipt bodies. crypto.Identity satisfies it.
type Signer interface {
	Sign(data []byte) (string, error)
}

// Receipt is the archived document for one run. Signature is the operator's
// EIP-191 signature over the JSON encoding of Run.
type Receipt struct {
	Run       domain.RunJSON     `json:"run"`
	Events    []domain.EventJSON `json:"events,omitempty"`
	Signer    string             `json:"signer,omitempty"`
	Signature string             `json:"signature,omitempty"`
}

// Archiver writes run receipts under prefix/YYYY/MM/DD/<run id>.json.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	signer Signer
	signBy string
	prefix string
}

// NewArchiver creates an Archiver. reader and signer may be nil; signerAddr
// is recorded next to the signature.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, signer Signer, signerAddr, prefix string) *Archiver {
	return &Archiver{writer: writer, reader: reader, signer: signer, signBy: signerAddr, prefix: prefix}
}

// ReceiptPath returns the object key of run's receipt.
func (a *Archiver) ReceiptPath(run domain.Run) string {
	return path.Join(a.prefix, run.StartedAt.UTC().Format("2006/01/02"), run.ID+".json")
}

// Archive uploads the receipt of run and returns its key.
func (a *Archiver) Archive(ctx context.Context, run domain.Run, events []domain.Event) (string, error) {
	doc := Receipt{Run: run.JSON()}
	for _, ev := range events {
		doc.Events = append(doc.Events, ev.JSON())
	}
	if a.signer != nil {
		body, err := json.Marshal(doc.Run)
		if err != nil {
			return "", fmt.Errorf("s3blob: marshal run %s: %w", run.ID, err)
		}
		sig, err := a.signer.Sign(body)
		if err != nil {
			return "", fmt.Errorf("s3blob: sign run %s: %w", run.ID, err)
		}
		doc.Signer, doc.Signature = a.signBy, sig
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal receipt %s: %w", run.ID, err)
	}
	key := a.ReceiptPath(run)
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive receipt %s: %w", run.ID, err)
	}
	return key, nil
}

// Load reads back an archived receipt.
func (a *Archiver) Load(ctx context.Context, key string) (Receipt, error) {
	if a.reader == nil {
		return Receipt{}, fmt.Errorf("s3blob: receipt %s: no reader configured: %w", key, domain.ErrNotFound)
	}
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return Receipt{}, err
	}
	defer body.Close()

	var doc Receipt
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return Receipt{}, fmt.Errorf("s3blob: decode receipt %s: %w", key, err)
	}
	return doc, nil
}
