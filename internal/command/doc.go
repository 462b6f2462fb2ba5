// Package command parses and executes the inline control commands users
// send to the relay.
//
// A message is a command when its trimmed text starts with the '#'
// sentinel. The command name is the text between the sentinel and the
// first ':' (or the end of the message), matched case-insensitively; the
// argument is everything after the first ':'.
//
// Built-in commands:
//
//	#help                  command list, enabled backends and personas
//	#reset                 forget the conversation
//	#temperature:<0..1>    set the sampling temperature and reset
//	#role:<name>           switch to a configured persona and reset
//	#custom-role:<text>    use text as the persona and reset
//	#history               remembered turns, cap and token estimate
//	#chat:<backend>        switch the session to another backend
//
// Anything else is offered to the session's backend (for example the
// streaming backend's #style command) and reported as invalid when the
// backend does not recognize it. Every sentinel-prefixed message counts as
// handled, so it is never forwarded to a backend as a question.
//
// Basic usage:
//
//	router := command.NewRouter(cfg, catalog, registry)
//	handled, err := router.Handle(ctx, sess, privileged, text, reply)
package command
