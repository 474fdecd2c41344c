package iap

import (
	"encoding/asn1"
	"encoding/base64"
	"fmt"

	"github.com/smallstep/pkcs7"
)

// Receipt attribute types, per Apple's receipt format.
const (
	attrInAppPurchase      = 17
	attrInAppTransactionID = 1703
)

// receiptAttribute is one entry of the receipt's attribute set. The value
// octet string holds either a DER-encoded primitive or, for in-app
// purchases, a nested attribute set.
type receiptAttribute struct {
	Type    int
	Version int
	Value   []byte
}

// ExtractTransactionID pulls the first in-app transaction id out of a
// base64 App Store receipt. A receipt with no embedded transaction id is
// not an error; the result is simply empty.
func ExtractTransactionID(receiptData string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(receiptData)
	if err != nil {
		return "", fmt.Errorf("%w: receipt is not base64: %v", ErrMalformedPayload, err)
	}

	container, err := pkcs7.Parse(der)
	if err != nil {
		return "", fmt.Errorf("%w: receipt is not a PKCS#7 container: %v", ErrMalformedPayload, err)
	}

	attrs, err := parseAttributeSet(container.Content)
	if err != nil {
		return "", err
	}

	for _, attr := range attrs {
		if attr.Type != attrInAppPurchase {
			continue
		}
		inApp, err := parseAttributeSet(attr.Value)
		if err != nil {
			return "", err
		}
		for _, field := range inApp {
			if field.Type != attrInAppTransactionID {
				continue
			}
			id, err := decodeString(field.Value)
			if err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", nil
}

func parseAttributeSet(data []byte) ([]receiptAttribute, error) {
	var attrs []receiptAttribute
	rest, err := asn1.UnmarshalWithParams(data, &attrs, "set")
	if err != nil {
		return nil, fmt.Errorf("%w: receipt attribute set: %v", ErrMalformedPayload, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing bytes in receipt attribute set", ErrMalformedPayload)
	}
	return attrs, nil
}

// decodeString unwraps the DER string nested inside an attribute value.
func decodeString(value []byte) (string, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(value, &raw); err != nil {
		return "", fmt.Errorf("%w: receipt string field: %v", ErrMalformedPayload, err)
	}
	return string(raw.Bytes), nil
}
