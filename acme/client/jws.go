package client

import (
	"context"
	"crypto"

	"github.com/cpu/acmealpn/acme/keys"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
)

// SigningOptions allows specifying signature related options when calling the
// Client's Sign function.
type SigningOptions struct {
	// If true, embed the signer's public key as a JWK in the signed JWS instead
	// of using a KeyID header. This is used for the newAccount endpoint and for
	// the inner JWS of a key change. Setting EmbedKey to true is mutually
	// exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, the account URL to use for the JWS "kid" header.
	KeyID string
	// The key used to sign the JWS.
	Signer crypto.Signer
	// NonceSource is a jose.NonceSource implementation that provides the
	// "nonce" header value for the produced JWS. If nil the Client's nonce
	// cache is used. Set NoNonce for a JWS that must not carry a nonce.
	NonceSource jose.NonceSource
	// NoNonce omits the nonce header. Only the inner JWS of a key change
	// request is signed this way.
	NoNonce bool
}

// validate checks that the SigningOptions are sensible. This enforces the mutually
// exclusive KeyID and EmbedKey options and ensures that the Signer is not nil.
func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return errors.New("SigningOptions validate: cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return errors.New("SigningOptions validate: you must specify a KeyID or EmbedKey")
	}
	if opts.Signer == nil {
		return errors.New("SigningOptions validate: you must specify a signer")
	}
	if opts.NoNonce && opts.NonceSource != nil {
		return errors.New("SigningOptions validate: cannot specify both NoNonce and a NonceSource")
	}
	return nil
}

// SignResult holds the input and output from a Sign operation.
type SignResult struct {
	// The url argument given to Sign.
	InputURL string
	// The data argument given to sign.
	InputData []byte
	// The JWS produced by signing the given data.
	JWS *jose.JSONWebSignature
	// The JWS in flattened JSON serialization, the request body of an ACME POST.
	SerializedJWS []byte
}

// Sign produces a SignResult by signing the provided data with a protected
// "url" header according to the SigningOptions provided. A nil or empty data
// argument produces a POST-as-GET JWS with an empty payload.
//
// See https://tools.ietf.org/html/rfc8555#section-6.2
func (c *Client) Sign(ctx context.Context, url string, data []byte, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		return nil, errors.New("Sign: SigningOptions must not be nil")
	}
	signOpts := *opts
	if err := signOpts.validate(); err != nil {
		return nil, err
	}
	if signOpts.NonceSource == nil && !signOpts.NoNonce {
		// Fetched here rather than by go-jose so a transport failure keeps its
		// type instead of being flattened into a string.
		nonce, err := requestNonces{ctx: ctx, c: c}.Nonce()
		if err != nil {
			return nil, err
		}
		signOpts.NonceSource = staticNonce(nonce)
	}
	if data == nil {
		data = []byte{}
	}

	var signingKey jose.SigningKey
	if signOpts.EmbedKey {
		signingKey = jose.SigningKey{
			Key:       signOpts.Signer,
			Algorithm: keys.SigAlgForKey(signOpts.Signer),
		}
	} else {
		signingKey = keys.SigningKeyForSigner(signOpts.Signer, signOpts.KeyID)
	}

	joseOpts := &jose.SignerOptions{
		NonceSource: signOpts.NonceSource,
		EmbedJWK:    signOpts.EmbedKey,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, errors.Wrap(err, "creating JWS signer")
	}

	signed, err := signer.Sign(data)
	if err != nil {
		return nil, errors.Wrap(err, "signing JWS")
	}

	return &SignResult{
		InputURL:      url,
		InputData:     data,
		JWS:           signed,
		SerializedJWS: []byte(signed.FullSerialize()),
	}, nil
}
