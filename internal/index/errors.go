package index

import "errors"

// ErrCorruptIndex signals that index.<txid> is missing or failed to
// deserialize. Per spec.md §7, the caller unlinks the file and reruns
// check_transaction to rebuild from segments.
var ErrCorruptIndex = errors.New("index: corrupt or missing index snapshot")

// ErrCorruptHints signals that hints.<txid> is missing or failed to
// deserialize. Per spec.md §7, the caller unlinks both hints and index and
// forces a full replay.
var ErrCorruptHints = errors.New("index: corrupt or missing hints snapshot")
