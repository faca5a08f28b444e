/*
Package postprocess implements the post-processor (component C7): for
each "__post__" directive a job carries, relocate one named key of the
handler's result to a remote target and rewrite the result in place
with the new URI.

A missing output key or a directive without an "output" field is
logged and skipped rather than failing the job — post-processing is a
best-effort step that runs after the job has already reached a
terminal state.
*/
package postprocess
