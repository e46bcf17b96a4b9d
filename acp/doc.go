// Package acp is the wire model of the Agent Client Protocol as spoken by a
// client to an agent subprocess: JSON-RPC 2.0 messages, one per line, over the
// agent's stdin and stdout.
//
// Message covers the three shapes (request, response, notification). Parse
// discriminates them by field presence and rejects anything ambiguous, such as
// a response carrying both or neither of result and error. Encode produces a
// single line without the trailing newline; framing is the caller's job.
//
// Payload types cover the methods a client issues:
//   - initialize
//   - session/new and session/load
//   - session/prompt and the session/cancel notification
//
// and the ones an agent sends back:
//   - session/update notifications (SessionNotification)
//   - fs/read_text_file, fs/write_text_file and session/request_permission
//     requests
//
// ContentBlock and SessionUpdate are closed tagged unions; decoding an
// unknown tag is an error.
package acp
