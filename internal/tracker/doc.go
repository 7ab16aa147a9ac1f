// Package tracker defines the price-watch domain: the persisted Tracker record, its on-disk
// encoding, and the contracts the check engine depends on (stores, page providers, notifiers).
package tracker
