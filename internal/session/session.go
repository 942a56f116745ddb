// Package session keeps an operational record of each live WebSocket
// connection in Redis: which server instance holds it and which user it
// registered as. The presence registry stays authoritative for delivery;
// these records exist for inspection across instances.
package session
