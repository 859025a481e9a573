// Package auth issues and checks the bearer tokens that guard the REST API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. There is no user
// database: operators mint tokens with `smartipd -mint-token`, and the
// token's role decides what its holder may do.
//
//	viewer    read devices, snapshots, history and diagnostics
//	operator  viewer + issue commands and request refreshes
//	admin     operator + read the command audit log
package auth
