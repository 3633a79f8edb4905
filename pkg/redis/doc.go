// Package redis manages Redis connectivity for the queue engine: connection
// establishment with retry, URL-based configuration, and health checking.
//
// The queue's Redis transport accepts any client produced here, but never
// closes a client it did not create; connection lifecycle belongs to the
// embedding application.
package redis
