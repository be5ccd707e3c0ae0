// Package codegen lowers fusion traces into WGSL kernel source, a portable
// instruction program, and launch configurations. Generation is
// deterministic: identical trace keys always yield byte-identical source,
// so artifact and autotune caches remain meaningful across runs.
package codegen
