package ingestclient

import (
	"context"
	"encoding/hex"
)

// authTokenCreds implements credentials.PerRPCCredentials, attaching the
// configured hex-decoded authentication token as a bearer-style header on
// every RPC.
type authTokenCreds struct {
	token      []byte
	insecureOK bool
}

func (a authTokenCreds) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Bearer " + hex.EncodeToString(a.token),
	}, nil
}

func (a authTokenCreds) RequireTransportSecurity() bool {
	return !a.insecureOK
}
