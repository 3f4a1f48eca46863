// Package media provides the built-in work items: ffmpeg transforms and
// whisper transcription.
//
// Each operation writes a new file next to its input (or into OutputDir) and
// never touches the input. Output names carry a suffix describing the
// operation, e.g. "clip (reversed).mp4"; an existing file gets a " (2)",
// " (3)" ... counter unless Overwrite is set.
//
// External tools run through Runner with the job's context, so cancelling a
// job kills the subprocess.
package media
