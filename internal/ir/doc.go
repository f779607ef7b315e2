// Package ir defines the record types shared by every threadkeep package.
//
// ir imports nothing internal. All other internal packages import ir, which
// keeps it the foundational layer with no circular dependencies.
//
// Key constraints:
//   - Payloads are IRObject values: string, int, bool, array, object. No floats.
//   - Content-addressed values (cold checksums, grant tokens) are computed over
//     RFC 8785 canonical JSON with SHA-256 and domain separation.
//   - All JSON tags use snake_case.
//   - Timestamps are stored as RFC 3339 UTC strings; ordering within a thread
//     uses sequence_number, never timestamps.
package ir
