// Package identityxml implements the external-collaborator XML codec of
// spec §6: Identity, Introduction, and Introduction Puzzle documents.
// Decoding uses encoding/xml directly — this boundary is explicitly out
// of scope for third-party wiring per spec §1 ("the XML codec for
// identity/introduction/puzzle files" is named an external collaborator,
// not part of the graph engine's hard engineering) — and struct-tag
// validation via go-playground/validator feeds the ErrInvalidInput path
// once a document is parsed.
package identityxml

import (
	"encoding/xml"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// Size limits per spec §6.
const (
	MaxIdentityDocBytes  = 1 << 20 // 1 MiB
	MaxTrustEntries      = 512
	MaxIntroductionBytes = 1 << 10  // 1 KiB
	MaxPuzzleBytes       = 16 << 10 // 16 KiB
)

var validate = validator.New()

// IdentityDoc is the root element of an identity XML v1 document.
type IdentityDoc struct {
	XMLName   xml.Name         `xml:"WoT_Identity"`
	Version   int              `xml:"Version,attr" validate:"required"`
	Identity  identityElement  `xml:"Identity"`
	Contexts  []contextElement `xml:"Context"`
	Props     []propertyElement `xml:"Property"`
	TrustList *trustListElement `xml:"TrustList"`
}

type identityElement struct {
	Name               string `xml:"Name" validate:"required,max=30"`
	PublishesTrustList bool   `xml:"PublishesTrustList"`
}

type contextElement struct {
	Name string `xml:"Name" validate:"required,max=32"`
}

type propertyElement struct {
	Name  string `xml:"Name" validate:"required,max=256"`
	Value string `xml:"Value" validate:"max=10240"`
}

type trustListElement struct {
	Trusts []trustElement `xml:"Trust"`
}

type trustElement struct {
	Identity string `xml:"Identity,attr" validate:"required"`
	Value    int    `xml:"Value,attr" validate:"min=-100,max=100"`
	Comment  string `xml:"Comment,attr" validate:"max=256"`
}

// ParsedIdentity is the decoded, validated result handed to C4 for
// application to C2.
type ParsedIdentity struct {
	Name               string
	PublishesTrustList bool
	Contexts           []string
	Properties         map[string]string
	Trusts             []ParsedTrust
}

// ParsedTrust carries the trustee's claimed RequestURI, the source of
// C6's edition hints (spec §4.6).
type ParsedTrust struct {
	TrusteeURI wotmodel.RequestURI
	Value      int
	Comment    string
}

// DecodeIdentity parses and validates raw bytes per spec §6's hard
// limits. Unknown future versions return ErrUnsupportedVersion, which
// the identity processor (C4) drops silently, without marking the
// identity ParsingFailed.
func DecodeIdentity(raw []byte) (*ParsedIdentity, error) {
	if len(raw) > MaxIdentityDocBytes {
		return nil, fmt.Errorf("%w: identity document exceeds %d bytes", wotmodel.ErrParseFailure, MaxIdentityDocBytes)
	}
	var doc IdentityDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported identity document version %d", ErrUnsupportedVersion, doc.Version)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}

	props := make(map[string]string, len(doc.Props))
	for _, p := range doc.Props {
		props[p.Name] = p.Value
	}
	contexts := make([]string, 0, len(doc.Contexts))
	for _, c := range doc.Contexts {
		contexts = append(contexts, c.Name)
	}

	var trusts []ParsedTrust
	if doc.TrustList != nil {
		if len(doc.TrustList.Trusts) > MaxTrustEntries {
			return nil, fmt.Errorf("%w: trust list exceeds %d entries", wotmodel.ErrParseFailure, MaxTrustEntries)
		}
		for _, te := range doc.TrustList.Trusts {
			uri, err := wotmodel.ParseRequestURI(te.Identity)
			if err != nil {
				return nil, fmt.Errorf("%w: trust entry with invalid identity URI: %v", wotmodel.ErrParseFailure, err)
			}
			trusts = append(trusts, ParsedTrust{TrusteeURI: uri, Value: te.Value, Comment: te.Comment})
		}
	}

	if err := wotmodel.ValidateContexts(contexts); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	if err := wotmodel.ValidateProperties(props); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}

	return &ParsedIdentity{
		Name:               doc.Identity.Name,
		PublishesTrustList: doc.Identity.PublishesTrustList,
		Contexts:           contexts,
		Properties:         props,
		Trusts:             trusts,
	}, nil
}

// EncodeIdentity renders own's current state back to the XML wire form,
// for the inserter (C8) to publish.
func EncodeIdentity(name string, publishesTrustList bool, contexts []string, props map[string]string, trusts []ParsedTrust) ([]byte, error) {
	doc := IdentityDoc{
		Version:  1,
		Identity: identityElement{Name: name, PublishesTrustList: publishesTrustList},
	}
	for _, c := range contexts {
		doc.Contexts = append(doc.Contexts, contextElement{Name: c})
	}
	for k, v := range props {
		doc.Props = append(doc.Props, propertyElement{Name: k, Value: v})
	}
	if publishesTrustList {
		tl := &trustListElement{}
		for _, t := range trusts {
			tl.Trusts = append(tl.Trusts, trustElement{Identity: t.TrusteeURI.String(), Value: t.Value, Comment: t.Comment})
		}
		doc.TrustList = tl
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("identityxml: encode: %w", err)
	}
	return out, nil
}

// IntroductionDoc carries one identity's URI as an introduction (spec §6).
type IntroductionDoc struct {
	XMLName  xml.Name `xml:"IdentityIntroduction"`
	Version  int      `xml:"Version,attr" validate:"required"`
	Identity string   `xml:"Identity>URI" validate:"required"`
}

// DecodeIntroduction parses an introduction document.
func DecodeIntroduction(raw []byte) (wotmodel.RequestURI, error) {
	if len(raw) > MaxIntroductionBytes {
		return wotmodel.RequestURI{}, fmt.Errorf("%w: introduction exceeds %d bytes", wotmodel.ErrParseFailure, MaxIntroductionBytes)
	}
	var doc IntroductionDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return wotmodel.RequestURI{}, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	if err := validate.Struct(doc); err != nil {
		return wotmodel.RequestURI{}, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	return wotmodel.ParseRequestURI(doc.Identity)
}

// PuzzleDoc is an introduction puzzle (spec §6); the puzzle UI/solver
// itself is out of scope, only its wire shape and DecodePuzzle are
// modeled. C4 decodes identity documents only; a puzzle document on the
// identity ingestion path fails DecodeIdentity as a ParseFailure.
type PuzzleDoc struct {
	XMLName    xml.Name `xml:"IntroductionPuzzle"`
	Version    int      `xml:"Version,attr" validate:"required"`
	ID         string   `xml:"ID,attr" validate:"required"`
	Type       string   `xml:"Type,attr" validate:"required"`
	MimeType   string   `xml:"MimeType,attr" validate:"required"`
	ValidUntil int64    `xml:"ValidUntil,attr"`
	Data       string   `xml:"Data>Value"`
}

// DecodePuzzle parses a puzzle document.
func DecodePuzzle(raw []byte) (*PuzzleDoc, error) {
	if len(raw) > MaxPuzzleBytes {
		return nil, fmt.Errorf("%w: puzzle exceeds %d bytes", wotmodel.ErrParseFailure, MaxPuzzleBytes)
	}
	var doc PuzzleDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", wotmodel.ErrParseFailure, err)
	}
	return &doc, nil
}
