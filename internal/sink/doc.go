// Package sink buffers records off the request path and writes them to
// storage in batches.
//
// A Sink has one of two overflow policies. PolicyDrop sheds records when the
// buffer is full and counts every one it sheds; the usage collector runs this
// way. PolicyBlock makes the producer wait a bounded time and then parks the
// record in an overflow list that the next flush picks up. Failed batches are
// kept for the following flush, so the audit log never loses an entry while
// the process stays up.
package sink
