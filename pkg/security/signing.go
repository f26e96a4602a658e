package security

import (
	"strings"
	"time"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// invalidMarker in a signature or certificate marks it as tampered
const invalidMarker = "INVALID"

// Points awarded per code signing check
const (
	signaturePoints   = 40
	certificatePoints = 20
	timestampPoints   = 15
	chainPoints       = 25
)

func validateCodeSigning(opts Options, cs *extensions.CodeSigning) CodeSigningValidation {
	var v CodeSigningValidation
	if cs == nil || (cs.Signature == "" && cs.Certificate == "") {
		v.Issues = append(v.Issues, "code signing data missing")
		v.Recommendations = append(v.Recommendations, "Sign the extension package with a certificate from a trusted CA")
		return v
	}

	v.SignaturePresent = cs.Signature != ""
	v.SignatureValid = v.SignaturePresent && !strings.Contains(cs.Signature, invalidMarker)
	v.CertificateValid = cs.Certificate != "" && !strings.Contains(cs.Certificate, invalidMarker)
	v.Tampered = strings.Contains(cs.Signature, invalidMarker)

	now := opts.now()
	v.TimestampValid = !cs.Timestamp.IsZero() &&
		!cs.Timestamp.After(now) &&
		now.Sub(cs.Timestamp) <= maxAge(opts.MaxSignatureAge)

	if v.CertificateValid {
		for _, ca := range opts.TrustedCAs {
			if strings.Contains(cs.Certificate, ca) {
				v.TrustedCA = ca
				v.ChainOfTrustVerified = true
				break
			}
		}
	}

	score := 0.0
	if v.SignatureValid {
		score += signaturePoints
	} else {
		v.Issues = append(v.Issues, "signature missing or invalid")
		v.Recommendations = append(v.Recommendations, "Re-sign the extension package")
	}
	if v.CertificateValid {
		score += certificatePoints
	} else {
		v.Issues = append(v.Issues, "certificate missing or invalid")
		v.Recommendations = append(v.Recommendations, "Provide a valid signing certificate")
	}
	if v.TimestampValid {
		score += timestampPoints
	} else {
		v.Issues = append(v.Issues, "signing timestamp is missing, in the future or older than allowed")
		v.Recommendations = append(v.Recommendations, "Re-sign the extension with a current timestamp")
	}
	if v.ChainOfTrustVerified {
		score += chainPoints
	} else {
		v.Issues = append(v.Issues, "certificate is not issued by a trusted CA")
		v.Recommendations = append(v.Recommendations, "Use a certificate issued by a trusted CA")
	}

	v.Score = clampScore(score)
	return v
}

func maxAge(d time.Duration) time.Duration {
	if d <= 0 {
		return 365 * 24 * time.Hour
	}
	return d
}
