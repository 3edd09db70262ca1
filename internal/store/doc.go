// Package store declares the run-history repository used to record scrape
// runs. Implementations live elsewhere; this package imports no drivers.
package store
