// Package gemcord implements a Discord bot that relays channel messages
// to a generative AI model and replies with the model's output.
//
// Messages which mention the bot, or contain its display name, are
// rewritten so user and channel mentions read as "@name"/"#name", any
// text/PDF attachments are inlined into the prompt, and image
// attachments are sent alongside as inline parts. The model sees the
// server's prior conversation, and the updated conversation is saved
// to one JSON file per server.
//
// Key components of the package include:
//
//   - Gemcord: The main struct, which wires everything together.
//   - HistoryStore: Per-server conversation memory, mirrored to disk.
//   - Conversation: Builds the system instruction and calls the model.
//   - RetryPolicy: Bounded retries, pruning blocked turns.
//   - ImageClient: Drives a queued image generation endpoint.
//
// The bot supports these slash commands:
//
//   - /memory: Dumps the server's stored conversation.
//   - /imagine: Generates an image from a prompt.
package gemcord
