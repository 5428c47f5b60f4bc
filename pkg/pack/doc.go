/*
Package pack implements the serialization codec between typed values
and the opaque byte strings stored by the backends.

Values cover scalars, byte and text strings, sequences, mappings,
tuples, n-dimensional numeric arrays (extension tag 1) and opaque
tabular frames (extension tag 2). Keys are self-describing: DecodeKey
needs no type hint and deep-converts sequences to Tuple so composite
keys stay comparable after a round-trip. Unknown extension tags decode
to the raw payload bytes.

Mapping values require scalar keys; Go cannot hash composite map keys,
so a mapping keyed by a sequence is a decode error rather than a
silent corruption.

The wire.go constants (NullSentinel, StreamDelimiter) and message
structs are the remote protocol's shared vocabulary.
*/
package pack
