// Package vision locates template images on screen.
//
// Frames and templates are reduced to luminance. FindImage slides the
// template over the frame and scores every placement with zero-mean
// normalised cross-correlation; window statistics come from integral
// images so each placement costs one dot product. Scores are clamped to
// [0,1] and reported as Confidence.
//
// WaitForImage and WaitForImageDisappear poll FindImage until the
// condition holds or the timeout elapses. A timeout is a normal "not
// found" result, not an error.
//
// A Gate binds a Matcher to a TemplateStore so playback can wait on
// templates by name.
package vision
