// Package op defines the operation data model consumed by the fusion and
// dispatch layers: tensor handles, data types, operation kinds, and
// immutable operation descriptors produced by the tensor front-end.
package op
