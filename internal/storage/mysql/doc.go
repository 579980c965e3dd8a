// Package mysql owns the shared MySQL connection pool, the embedded schema
// migrations and the SQL-backed account store. Domain packages build their
// own stores on top of the pool returned by Open.
package mysql
