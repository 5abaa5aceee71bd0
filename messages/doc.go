// Package messages defines the provider-neutral chat vocabulary: messages
// with typed content parts, tool calls and their results, and the generation
// config of one call.
//
// Content parts form a small closed sum type (Text, Image) using a private
// marker method, and serialize with a "type" discriminator so that values
// survive a round trip through the durable call ledger byte-for-byte.
package messages
