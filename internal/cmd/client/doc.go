// Package client provides the flostore command-line client.
//
// The commands talk to the flostore HTTP API. The base URL comes from the
// embedding application via a BaseURLFunc; the standalone binary reads
// FLO_HTTP and defaults to http://127.0.0.1:8080.
//
// Usage
//
//	flostore stream append --stream orders-1 --type created --data '{"total":12}' --expected-version no-stream
//	flostore stream read --stream orders-1 --limit 10
//	flostore stream read --stream orders-1 --backward --limit 1
//	flostore stream meta --stream orders-1 --set '{"$maxCount":100}'
//	flostore stream delete --stream orders-1                   # soft delete
//	flostore stream delete --stream orders-1 --hard --confirm  # tombstone
//
//	flostore all read --limit 50 --filter-cel 'stream.startsWith("orders-") && json.total > 10.0'
//	flostore all read --backward --stream-prefix orders-
//
//	flostore index stats
//
// Notes
//
//   - --expected-version accepts any, no-stream, exists or an event number.
//     A mismatch prints the server's 409 with the current version.
//   - Reads print one JSON object per line; a continuation hint goes to
//     stderr when the page did not reach the end.
package client
