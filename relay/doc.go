/*
Package relay provides a TCP server that runs one command per connection and streams the command's combined stdout and stderr back to the client.

The protocol is plain TCP with no framing:

1. The client connects and writes a single command line, optionally terminated by "\n" or "\r\n".
2. The server splits the line on whitespace, runs the first token as a program (resolved via $PATH) with the remaining tokens as arguments, and writes the program's stdout and stderr bytes to the connection as they are produced.
3. Once the program's output reaches EOF and the program has been reaped, the server closes the connection. The client knows the response is complete when it reads EOF.

If the line contains no tokens, the server replies with "empty command\n" and closes. If the client closes before sending anything, the server closes without replying.
Nothing else is ever sent to the client: a program that cannot be started shows up only as whatever diagnostic bytes were written to its output, followed by a close.

By default connections are handled one at a time, in the order they are accepted.
*/
package relay
