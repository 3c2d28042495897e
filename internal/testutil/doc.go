// Package testutil contains helpers shared by package tests: a fluent
// ExecutionContext builder, a fault-injecting ConnectionRouter and scripted
// agents that hang, fail, panic or chatter on demand. They are not intended
// for production usage.
package testutil
