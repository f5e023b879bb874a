// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing histories and sessions and when
// asserting store behavior. They are not intended for production usage.
package testutil
