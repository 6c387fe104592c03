// Package signing implements the action-envelope signature engine.
//
// An envelope is the five-tuple (action_id, actor, action_type, resource,
// input_data). The input is reduced to a canonical JSON form, hashed with
// SHA-256, and the message
//
//	action_id:actor:action_type:resource:input_hash
//
// is signed with the process's active ed25519 key. Keys are organised in
// epochs: rotation retires the active key without touching past signatures,
// and verifiers resolve the historical public key by key id or by the epoch
// that was active for the signer at signing time.
//
// Two KeyStore implementations are provided:
//   - MemoryKeyStore: in-process, for tests and ephemeral deployments.
//   - FileKeyStore: persists sealed keys to disk across restarts.
package signing
