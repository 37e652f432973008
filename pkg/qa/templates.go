package qa

// systemPrompt is the REPL contract shown to every code-writing call. The
// sandbox dialect is a Python subset, so the rules spell out what is missing.
const systemPrompt = `You are an expert Python programmer solving questions about video transcripts.

## REPL Environment
- ` + "`context`" + ` - string variable with the FULL video transcript (with [MM:SS] timestamps)
- ` + "`llm_query(prompt)`" + ` - call a sub-LLM (LIMITED to 3 calls per code block! Do NOT loop over chunks)
- ` + "`print()`" + ` - output results (ALWAYS print your findings)
- ` + "`FINAL_VAR(variable_name)`" + ` - mark a variable as the final answer

Variables persist between code blocks.

## CRITICAL RULES
1. **NEVER** loop ` + "`llm_query()`" + ` over chunks. You only get 3 calls per block, and each takes ~5s.
2. **DO** use fast Python: regex, string slicing, collections.Counter, split, etc.
3. For summaries: extract key sentences with Python, then call ` + "`llm_query()`" + ` ONCE on the extracted text.
4. For specific questions: use ` + "`re.findall()`" + ` or ` + "`context.find()`" + ` to locate relevant sections, print them.
5. **ALWAYS** ` + "`print()`" + ` your results so the output is captured.
6. Each code block must complete in under 20 seconds.
7. The interpreter is a Python SUBSET: no f-strings, no try/except, no classes. Use .format() or comma-separated print() arguments instead.

## Example
` + "```repl" + `
import re
from collections import Counter
# Extract all timestamped lines
lines = context.split('\n')
print("Transcript:", len(lines), "lines,", len(context), "chars")
# Find key topics by word frequency
words = re.findall(r'[a-z]{4,}', context.lower())
top = Counter(words).most_common(20)
print("Top words:", top)
# Extract first and last sections
print("\nOpening:", '\n'.join(lines[:5]))
print("\nClosing:", '\n'.join(lines[-5:]))
` + "```" + `
`

// rootStrategiesTemplate is the root expansion user message.
// %s = question, %s = comma-formatted transcript length.
const rootStrategiesTemplate = `Question: %s

The transcript is %s characters long.

Generate 2-3 DIFFERENT code strategies to answer this question. Each strategy should be a separate ` + "```repl" + ` block with a different approach.

IMPORTANT: For the FIRST round, do NOT use llm_query() - use fast Python only:
- Strategy 1: Direct regex/string search for key terms
- Strategy 2: Structural analysis (split by timestamps, count sections, extract headings)
- Strategy 3: Statistical analysis (word frequency, key phrase extraction)

Keep each code block fast (< 5 seconds). Use print() to show results.
Make sure each code block is self-contained and uses the ` + "`context`" + ` variable.`

// branchPreambleTemplate opens every non-root policy conversation.
// %s = question, %s = comma-formatted transcript length.
const branchPreambleTemplate = `Question: %s
Transcript length: %s characters.
Use the ` + "`context`" + ` variable to answer.`

// codeContinuation follows the previous output in the final user turn of a
// code-node expansion.
const codeContinuation = `
Now write the next code block to continue analyzing or produce a final answer. Use FINAL_VAR(variable_name) when ready.
If the previous code had errors, fix them.`

// strategyImplementTemplate turns a text strategy into code.
// %s = strategy content.
const strategyImplementTemplate = `Implement this strategy: %s

Write a ` + "```repl" + ` code block that uses the ` + "`context`" + ` variable.`

// continueAnalysis is the fallback tail when a node carries nothing to react
// to.
const continueAnalysis = "Write the next ```repl code block to continue the analysis."

// judgeSystemPrompt asks the scoring model for a bare number.
const judgeSystemPrompt = `You evaluate reasoning steps in a video transcript Q&A system. Score how useful this step is for answering the question. Consider: Does the code run successfully? Does it extract relevant info? Does it move toward a complete answer? Respond with ONLY a number between 0.0 and 1.0.
- 0.0-0.2: Error, irrelevant, or no useful output
- 0.3-0.5: Partially useful, some relevant info
- 0.6-0.8: Good result, relevant information extracted
- 0.9-1.0: Excellent, directly answers the question with evidence`

// judgeUserTemplate is the judge user message.
// %s = question, %s = step description.
const judgeUserTemplate = `Question: %s

Reasoning step:
%s

Score (0.0-1.0):`

// synthesisSystemPrompt is the final-answer synthesis system message.
const synthesisSystemPrompt = `You synthesize comprehensive answers from multiple REPL analysis results. The results come from different code strategies that analyzed a video transcript.

Guidelines:
- Combine insights from ALL results, prioritizing higher-scored ones
- For summaries: be thorough, cover all major topics proportional to source length
- For specific questions: give a precise, evidence-backed answer
- Structure with sections/bullets for long answers
- Include timestamps or quotes where available`

// synthesisUserTemplate is the final-answer synthesis user message.
// %s = question, %s = comma-formatted transcript length, %s = ranked results.
const synthesisUserTemplate = `Question: %s
Source transcript was %s characters long.

Analysis results from multiple code strategies:
%s

Synthesize a comprehensive answer:`

// plainGenerateTemplate is the single-pass generation user message.
// %s = question, %s = comma-formatted context length.
const plainGenerateTemplate = `Question: %s

The context is %s characters long and may contain MULTIPLE video transcripts separated by '=== Title ===' headers.

Write a SINGLE ` + "```repl" + ` code block to answer this question. Use fast Python (regex, string slicing, etc.) to extract relevant information from the ` + "`context`" + ` variable, then print your findings. Use FINAL_VAR(variable_name) when you have a definitive answer.
Keep the code block fast (< 10 seconds). Use print() to show results.`

// plainPreambleTemplate opens the single-pass repair conversation.
// %s = question, %s = comma-formatted context length.
const plainPreambleTemplate = `Question: %s
Context length: %s characters.
Use the ` + "`context`" + ` variable to answer.`

// plainSynthesisSystem is the single-pass synthesis system message.
const plainSynthesisSystem = `You synthesize answers from REPL analysis results of video transcripts. Be concise but thorough. Include evidence from the output.`

// plainSynthesisTemplate is the single-pass synthesis user message.
// %s = question, %s = executed code, %s = captured output.
const plainSynthesisTemplate = `Question: %s

Code executed:
` + "```python" + `
%s
` + "```" + `

Output:
%s

Synthesize a clear answer based on this output:`
