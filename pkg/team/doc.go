// Package team loads and validates the named role graphs that describe
// which agents serve a session and how they hand work to each other.
package team
