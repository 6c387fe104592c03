// Package client is the Go SDK for a trustd server.
//
// It wraps the /api/v1 HTTP surface: reading and verifying the ledger,
// appending entries, signing and verifying action envelopes, submitting
// actions, listing signing keys and driving anomaly remediation.
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.VerifyChain(ctx, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !res.ChainIntegrity {
//	    for _, is := range res.Issues {
//	        log.Printf("seq %d: %s", is.Sequence, is.Reason)
//	    }
//	}
//
// Errors returned for non-2xx responses are *APIError values and can be
// inspected with errors.As.
package client
