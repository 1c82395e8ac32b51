package domain

import (
	"errors"
	"fmt"
)

// Fiscal document types. A boleta goes to an end consumer identified by DNI
// (or no document at all); a factura requires a tax-registered client (RUC).
type FiscalDocType string

const (
	FiscalBoleta  FiscalDocType = "boleta"
	FiscalFactura FiscalDocType = "factura"
)

type ClientDocType string

const (
	ClientDocDNI ClientDocType = "dni"
	ClientDocRUC ClientDocType = "ruc"
)

const (
	dniLength = 8
	rucLength = 11
)

var (
	ErrInvalidDocumentType   = errors.New("invalid document type")
	ErrInvalidDocumentNumber = errors.New("invalid document number")
)

// FiscalDocument is the allocated document attached to a sale. Issued stays
// false until the external tax-authority submission is confirmed.
type FiscalDocument struct {
	Type            FiscalDocType `json:"type"`
	Series          string        `json:"series"`
	Number          int64         `json:"number"`
	ClientDocType   ClientDocType `json:"client_doc_type,omitempty"`
	ClientDocNumber string        `json:"client_doc_number,omitempty"`
}

type FiscalDocumentRequest struct {
	Type            string `json:"type"`
	ClientDocType   string `json:"client_doc_type,omitempty"`
	ClientDocNumber string `json:"client_doc_number,omitempty"`
}

// SeriesFor maps a document type to its numbering series. Each series is
// numbered independently as max(existing)+1.
func SeriesFor(t FiscalDocType) string {
	if t == FiscalFactura {
		return "F001"
	}
	return "B001"
}

// ValidateFiscalRequest checks type compatibility and document-number length
// and returns the normalized document with series set and number unassigned.
func ValidateFiscalRequest(req FiscalDocumentRequest) (*FiscalDocument, error) {
	docType := FiscalDocType(req.Type)
	if docType != FiscalBoleta && docType != FiscalFactura {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDocumentType, req.Type)
	}

	clientType := ClientDocType(req.ClientDocType)
	if docType == FiscalFactura && clientType != ClientDocRUC {
		return nil, fmt.Errorf("%w: factura requires a ruc client", ErrInvalidDocumentType)
	}

	switch clientType {
	case "":
		if docType == FiscalFactura {
			return nil, fmt.Errorf("%w: factura requires a client document", ErrInvalidDocumentType)
		}
		if req.ClientDocNumber != "" {
			return nil, fmt.Errorf("%w: client document number without type", ErrInvalidDocumentNumber)
		}
	case ClientDocDNI:
		if len(req.ClientDocNumber) != dniLength || !allDigits(req.ClientDocNumber) {
			return nil, fmt.Errorf("%w: dni must be %d digits", ErrInvalidDocumentNumber, dniLength)
		}
	case ClientDocRUC:
		if len(req.ClientDocNumber) != rucLength || !allDigits(req.ClientDocNumber) {
			return nil, fmt.Errorf("%w: ruc must be %d digits", ErrInvalidDocumentNumber, rucLength)
		}
	default:
		return nil, fmt.Errorf("%w: client document type %q", ErrInvalidDocumentType, req.ClientDocType)
	}

	return &FiscalDocument{
		Type:            docType,
		Series:          SeriesFor(docType),
		ClientDocType:   clientType,
		ClientDocNumber: req.ClientDocNumber,
	}, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
