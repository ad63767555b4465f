// See conn.go for the package overview.
package rpc
