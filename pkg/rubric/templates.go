package rubric

// discoverySystemPrompt frames the rubric reverse-engineering task and the
// sandbox dialect rules for every policy call.
const discoverySystemPrompt = `You are an expert at reverse-engineering scoring rubrics from labeled data.

Your task: given (input, response, score) examples, discover the hidden scoring
function that maps responses to scores in [0.0, 1.0].

Responses are typically scored on structural and content features such as:
- Structured plans (numbered or bulleted steps)
- An explicit assumptions section
- Embedded tool call JSON objects
- Domain keyword mentions
- Overall length and completeness

You must write a function called ` + "`rubric_fn(response)`" + ` that takes a
response string and returns a score between 0.0 and 1.0.

IMPORTANT RULES:
1. Your function MUST be named ` + "`rubric_fn`" + `
2. It takes a single string argument ` + "`response`" + `
3. It MUST return a float in [0.0, 1.0]. NEVER exceed 1.0
4. You can use ` + "`re`" + `, ` + "`json`" + `, ` + "`math`" + ` modules (already imported)
5. After defining rubric_fn, call ` + "`test_rubric(rubric_fn)`" + ` to see results
6. The variable ` + "`sample_examples`" + ` holds labeled examples you can inspect
7. Each example has keys: input, response, score, spec
8. The interpreter is a Python subset: no f-strings, no try/except, no classes

SCORING PATTERN. Use weighted normalized sums:
` + "```" + `
score = 0.0
total_weight = 0.0

# ALWAYS add to total_weight, only add to score when the feature is present
total_weight += 1.0
if has_plan:
    score += 1.0

total_weight += 0.8
if has_assumptions:
    score += 0.8

return score / max(total_weight, 1e-6)
` + "```" + `
CRITICAL: ` + "`total_weight +=`" + ` must be OUTSIDE the if-block (unconditional).
` + "`score +=`" + ` must be INSIDE the if-block (conditional). This keeps the
result in [0, 1]. Do NOT use additive bonuses or multiplicative modifiers that
can push the score above 1.0.

Focus on patterns that distinguish high-scoring from low-scoring responses.`

// hypothesisRootTemplate needs the low example count, the high example count
// and the rendered contrast block.
const hypothesisRootTemplate = `Analyze these labeled examples carefully. Notice the CONTRAST between
LOW-scoring and HIGH-scoring responses.

LOW-SCORING EXAMPLES (first %d) vs HIGH-SCORING EXAMPLES (last %d):
%s

KEY PATTERNS TO LOOK FOR:
- Do high-scoring responses have an "Assumptions:" section that low-scoring ones lack?
- Do high-scoring responses contain JSON tool calls like {"tool": "...", "args": {...}}?
- Do high-scoring responses mention domain keywords the low-scoring ones miss?
- Do high-scoring responses have numbered or bulleted step plans?
- Are high-scoring responses longer?

Generate exactly 3 SEPARATE code blocks, each with a different scoring strategy:
- Hypothesis 1: Length and format heuristics (response length, step count, numbered structure)
- Hypothesis 2: Keyword and regex features (domain terms, section headers, tool call JSON detection)
- Hypothesis 3: Combined weighted checklist using all discovered features

Each hypothesis must:
1. Define ` + "`rubric_fn(response)`" + ` returning a score in [0, 1]
2. Call ` + "`test_rubric(rubric_fn)`" + ` to evaluate it
3. Use the ` + "`re`" + ` module for pattern matching (already imported)

Format each as:
` + "```python" + `
# Hypothesis N: [description]
def rubric_fn(response):
    ...
    return score

test_rubric(rubric_fn)
` + "```" + `

Separate each hypothesis with "---HYPOTHESIS---"`

// refinementTemplate needs the parent code, the rendered reward lines, the
// composite, the weakest signal name and value, the worst-prediction block,
// and the weakest signal name again.
const refinementTemplate = `Improve this rubric function based on its errors.

CURRENT RUBRIC:
` + "```python" + `
%s
` + "```" + `

REWARD SIGNALS:
%s  composite: %.3f

WEAKEST SIGNAL: %s = %.3f
%s
ANALYSIS HINTS:
- Look at the worst predictions above. What features does your rubric miss?
- High-scoring responses typically have an assumptions section, a plan with
  3+ steps, domain keyword mentions, JSON tool calls, and length over 120 chars
- Low-scoring responses are usually short, vague, and missing structured plans

Generate 1-2 improved versions that:
1. Fix the largest errors shown above
2. Improve the weakest reward signal (%s)
3. Add any missing feature checks

Format each as:
` + "```python" + `
def rubric_fn(response):
    ...
    return score

test_rubric(rubric_fn)
` + "```" + `

Separate with "---HYPOTHESIS---"`

// fallbackRubric keeps the search alive when a reply yields no parseable
// hypothesis.
const fallbackRubric = `# Baseline rubric: structural features
def rubric_fn(response):
    score = 0.0
    total = 0.0

    # Plan presence
    total += 1.0
    if "plan" in response.lower() or re.search(r"^\s*\d+\.", response, re.M):
        score += 1.0

    # Step count
    total += 0.8
    steps = len(re.findall(r"^\s*[-*\d]", response, re.M))
    if steps >= 3:
        score += 0.8

    # Length
    total += 0.4
    if len(response.strip()) >= 120:
        score += 0.4

    # Tool call
    total += 0.8
    if '"tool"' in response or "tool_call" in response:
        score += 0.8

    return score / max(total, 1e-6)

test_rubric(rubric_fn)`
